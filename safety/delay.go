package safety

import "time"

// Kind selects a human delay range.
type Kind int

const (
	Browsing Kind = iota
	Typing
	Reading
	Thinking
)

func (k Kind) String() string {
	switch k {
	case Typing:
		return "typing"
	case Reading:
		return "reading"
	case Thinking:
		return "thinking"
	default:
		return "browsing"
	}
}

type delayRange struct {
	min, max time.Duration
}

var delayRanges = map[Kind]delayRange{
	Typing:   {800 * time.Millisecond, 2000 * time.Millisecond},
	Reading:  {1000 * time.Millisecond, 3000 * time.Millisecond},
	Thinking: {2000 * time.Millisecond, 5000 * time.Millisecond},
	Browsing: {500 * time.Millisecond, 1500 * time.Millisecond},
}

const (
	delayJitter = 0.2
	delayFloor  = 100 * time.Millisecond
)

// Bounds returns the inclusive range Delay can produce for k.
func Bounds(k Kind) (time.Duration, time.Duration) {
	r, ok := delayRanges[k]
	if !ok {
		r = delayRanges[Browsing]
	}
	lo := max(time.Duration(float64(r.min)*(1-delayJitter)).Round(time.Millisecond), delayFloor)
	hi := time.Duration(float64(r.max) * (1 + delayJitter)).Round(time.Millisecond)
	return lo, hi
}

// humanDelay draws from k's range and applies ±20% jitter. When ultra is set it pins to
// the range max and only jitters upward.
func humanDelay(k Kind, ultra bool, rnd func() float64) time.Duration {
	r, ok := delayRanges[k]
	if !ok {
		r = delayRanges[Browsing]
	}
	base := float64(r.max)
	jitter := delayJitter * rnd()
	if !ultra {
		base = float64(r.min) + rnd()*float64(r.max-r.min)
		jitter = delayJitter * (2*rnd() - 1)
	}
	d := time.Duration(base * (1 + jitter)).Round(time.Millisecond)
	return max(d, delayFloor)
}
