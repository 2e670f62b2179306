// Package refresh periodically revalidates session tokens and nudges the realtime
// channel back to health afterwards.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"msgrlink/errs"
	"msgrlink/internal/clock"
	"msgrlink/internal/metrics"
	"msgrlink/realtime"
	"msgrlink/safety"
)

var (
	// ErrInProgress is returned by RefreshNow while another refresh runs.
	ErrInProgress = errors.New("refresh: already in progress")

	// ErrTimeout is returned when the token call exceeds Config.Timeout.
	ErrTimeout = fmt.Errorf("refresh: %w", errs.ErrTimeout)
)

// TokenFunc re-fetches the session tokens. It must honor ctx.
type TokenFunc func(ctx context.Context) error

// Channel is the part of *realtime.Manager the refresher drives.
type Channel interface {
	State() realtime.State
	LastEvent() time.Time
	EnsureAlive()
	ForceReconnect(reason string)
}

// Policy is the part of *safety.Policy the refresher reads and updates.
type Policy interface {
	Risk() safety.RiskLevel
	SetRisk(safety.RiskLevel)
	RecordRequest(isError bool)
	DecrementErrors()
	ErrorCount() int64
}

// Result describes one refresh.
type Result struct {
	OK       bool
	Manual   bool
	Err      error
	Duration time.Duration
}

// Config configures a Refresher.
type Config struct {
	Refresh TokenFunc
	Channel Channel
	Policy  Policy

	// Base is the interval at medium risk. High risk uses 55% of it, low risk 120%.
	Base    time.Duration
	Jitter  time.Duration
	Floor   time.Duration
	Timeout time.Duration

	// Checks are the delays of the follow-up liveness checks after a success.
	Checks []time.Duration
	// StallAfter forces a reconnect when a channel that was live before the refresh
	// stays silent this long after it.
	StallAfter time.Duration
	// MaxErrors escalates the risk to high once the error count exceeds it.
	MaxErrors int64

	OnResult func(Result)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Rand    func() float64
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		Base:       45 * time.Minute,
		Jitter:     8 * time.Minute,
		Floor:      10 * time.Minute,
		Timeout:    25 * time.Second,
		Checks:     []time.Duration{time.Second, 10 * time.Second, 30 * time.Second},
		StallAfter: time.Minute,
		MaxErrors:  3,
	}
}

// Refresher schedules token refreshes for one handle.
type Refresher struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger
	rnd func() float64

	running atomic.Bool
	seq     atomic.Uint64
	stopped atomic.Bool

	mu     sync.Mutex
	timers []*clock.Timer
	last   Result
	count  int64
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Refresher, error) {
	if cfg.Refresh == nil || cfg.Channel == nil || cfg.Policy == nil {
		return nil, errors.New("refresh: Refresh, Channel and Policy are required")
	}
	d := DefaultConfig()
	if cfg.Base <= 0 {
		cfg.Base = d.Base
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Floor <= 0 {
		cfg.Floor = d.Floor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Checks == nil {
		cfg.Checks = d.Checks
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = d.StallAfter
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = d.MaxErrors
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Refresher{cfg: cfg, clk: cfg.Clock, log: cfg.Logger, rnd: cfg.Rand}, nil
}

// Interval returns the wait before the next scheduled refresh at the current risk.
func (r *Refresher) Interval() time.Duration {
	base := float64(r.cfg.Base)
	switch r.cfg.Policy.Risk() {
	case safety.RiskHigh:
		base *= 0.55
	case safety.RiskLow:
		base *= 1.2
	}
	d := time.Duration(base) + time.Duration((r.rnd()*2-1)*float64(r.cfg.Jitter))
	return max(d, r.cfg.Floor)
}

// Run refreshes on the adaptive schedule until ctx is done. Failures are handled
// and logged, never returned.
func (r *Refresher) Run(ctx context.Context) error {
	defer r.Stop()
	for {
		d := r.Interval()
		r.log.Debug("refresh.scheduled", "in", d)
		if err := clock.Sleep(ctx, r.clk, d); err != nil {
			return ctx.Err()
		}
		if err := r.refresh(ctx, false); err != nil && !errors.Is(err, ErrInProgress) {
			r.log.Debug("refresh.run.error", "err", err)
		}
	}
}

// RefreshNow refreshes immediately and returns the token error, if any.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	return r.refresh(ctx, true)
}

// Last returns the most recent result and how many refreshes have completed.
func (r *Refresher) Last() (Result, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.count
}

// Stop cancels pending follow-up checks. A running refresh finishes on its own.
func (r *Refresher) Stop() {
	r.stopped.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

func (r *Refresher) refresh(ctx context.Context, manual bool) error {
	if r.stopped.Load() {
		return errors.New("refresh: stopped")
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer r.running.Store(false)

	id := r.seq.Add(1)
	started := r.clk.Now()
	wasLive := r.cfg.Channel.State().Live()
	prevEvent := r.cfg.Channel.LastEvent()

	r.log.Info("refresh.start", "manual", manual)
	rctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	err := r.cfg.Refresh(rctx)
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil && timedOut {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, r.cfg.Timeout, err)
	}

	res := Result{OK: err == nil, Manual: manual, Err: err, Duration: r.clk.Now().Sub(started)}
	r.cfg.Metrics.ObserveRefresh(err)
	r.mu.Lock()
	r.last = res
	r.count++
	r.mu.Unlock()

	if err != nil {
		r.cfg.Policy.RecordRequest(true)
		if r.cfg.Policy.ErrorCount() > r.cfg.MaxErrors {
			r.cfg.Policy.SetRisk(safety.RiskHigh)
		}
		r.log.Warn("refresh.failed", "err", err, "errors", r.cfg.Policy.ErrorCount())
		r.notify(res)
		r.cfg.Channel.ForceReconnect("refresh-failed")
		if manual {
			return err
		}
		return nil
	}

	r.cfg.Policy.DecrementErrors()
	r.log.Info("refresh.ok", "duration", res.Duration)
	r.notify(res)

	r.cfg.Channel.EnsureAlive()
	r.scheduleChecks(id, wasLive, prevEvent)
	return nil
}

// scheduleChecks replaces the follow-up timers of any earlier refresh.
func (r *Refresher) scheduleChecks(id uint64, wasLive bool, prevEvent time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = r.timers[:0]

	for _, d := range r.cfg.Checks {
		r.timers = append(r.timers, r.clk.AfterFunc(d, func() {
			if r.stopped.Load() || r.seq.Load() != id {
				return
			}
			r.cfg.Channel.EnsureAlive()
		}))
	}

	if !wasLive {
		return
	}
	r.timers = append(r.timers, r.clk.AfterFunc(r.cfg.StallAfter, func() {
		if r.stopped.Load() {
			return
		}
		last := r.cfg.Channel.LastEvent()
		if prevEvent.After(last) {
			last = prevEvent
		}
		if r.clk.Now().Sub(last) >= r.cfg.StallAfter {
			r.log.Warn("refresh.stall", "silent_for", r.clk.Now().Sub(last))
			r.cfg.Channel.ForceReconnect("refresh-stall")
		}
	}))
}

func (r *Refresher) notify(res Result) {
	if r.cfg.OnResult != nil {
		r.cfg.OnResult(res)
	}
}
