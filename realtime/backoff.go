package realtime

import "time"

// Backoff computes reconnect delays: min(Max, Base*2^(attempt-1)) plus up to Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff returns 1s doubling to 30s with 400ms of jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 400 * time.Millisecond}
}

// Delay returns the wait before attempt (1-based). rnd returns values in [0,1).
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 && rnd != nil {
		d += time.Duration(rnd() * float64(b.Jitter))
	}
	return d
}
