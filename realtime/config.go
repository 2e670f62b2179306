package realtime

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"msgrlink/internal/clock"
	"msgrlink/internal/metrics"
)

// ProbeBackoff selects what a failed soft-stale probe does to the backoff counter.
type ProbeBackoff int

const (
	// BackoffReset zeroes the attempt counter and the backoff window so the reconnect is immediate.
	BackoffReset ProbeBackoff = iota
	// BackoffDecay halves the attempt counter and keeps the window.
	BackoffDecay
)

// Config tunes a Manager. Zero durations take the defaults from DefaultConfig.
type Config struct {
	Dialer Dialer

	// DefaultEndpoint is dialed when AuthContext.Endpoint is empty.
	DefaultEndpoint string

	// AutoReconnect lets the watchdog and connection loss trigger reconnects.
	// ForceReconnect works either way.
	AutoReconnect bool

	// MaxReconnectAttempts caps consecutive failed reconnects. Zero means unlimited.
	MaxReconnectAttempts int

	WatchdogEvery  time.Duration
	SoftStaleAfter time.Duration
	HardStaleAfter time.Duration
	DeadAfter      time.Duration

	ProbeWindowMin time.Duration
	ProbeWindowMax time.Duration
	ProbeBackoff   ProbeBackoff

	HeartbeatEvery   time.Duration
	HeartbeatJitter  time.Duration
	HeartbeatTimeout time.Duration

	ConnectTimeout    time.Duration
	AckTimeout        time.Duration
	BackoffResetAfter time.Duration
	Backoff           Backoff

	// RefreshAuth rebuilds the AuthContext before each reconnect dial, e.g. after the
	// session was refreshed. A terminal error (see errs.Terminal) aborts the dial and halts
	// auto-reconnect; other errors are logged and the previous context is reused.
	RefreshAuth func(ctx context.Context, prev AuthContext) (AuthContext, error)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Rand returns values in [0, 1).
	Rand func() float64
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:     true,
		WatchdogEvery:     30 * time.Second,
		SoftStaleAfter:    2 * time.Minute,
		HardStaleAfter:    5 * time.Minute,
		DeadAfter:         15 * time.Minute,
		ProbeWindowMin:    5 * time.Second,
		ProbeWindowMax:    8 * time.Second,
		ProbeBackoff:      BackoffReset,
		HeartbeatEvery:    60 * time.Second,
		HeartbeatJitter:   5 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ConnectTimeout:    20 * time.Second,
		AckTimeout:        15 * time.Second,
		BackoffResetAfter: 5 * time.Second,
		Backoff:           DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	dur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	dur(&c.WatchdogEvery, d.WatchdogEvery)
	dur(&c.SoftStaleAfter, d.SoftStaleAfter)
	dur(&c.HardStaleAfter, d.HardStaleAfter)
	dur(&c.DeadAfter, d.DeadAfter)
	dur(&c.ProbeWindowMin, d.ProbeWindowMin)
	dur(&c.ProbeWindowMax, d.ProbeWindowMax)
	dur(&c.HeartbeatEvery, d.HeartbeatEvery)
	dur(&c.HeartbeatTimeout, d.HeartbeatTimeout)
	dur(&c.ConnectTimeout, d.ConnectTimeout)
	dur(&c.AckTimeout, d.AckTimeout)
	dur(&c.BackoffResetAfter, d.BackoffResetAfter)
	if c.HeartbeatJitter < 0 || c.HeartbeatJitter >= c.HeartbeatEvery {
		c.HeartbeatJitter = 0
	}
	if c.ProbeWindowMax < c.ProbeWindowMin {
		c.ProbeWindowMax = c.ProbeWindowMin
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = d.Backoff
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}
