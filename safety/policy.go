package safety

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"msgrlink/internal/clock"
	"msgrlink/internal/metrics"
)

// RiskInterval is how often Run recomputes the risk level.
const RiskInterval = time.Minute

// Options configures a Policy.
type Options struct {
	UltraSafe bool
	Stealth   StealthConfig

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	// OnRiskChange is called when RecomputeRisk or SetRisk moves the level.
	OnRiskChange func(old, cur RiskLevel)
}

// Policy holds one handle's counters and pacing. All methods are safe for concurrent use.
type Policy struct {
	opts    Options
	clk     clock.Clock
	log     *slog.Logger
	rnd     func() float64
	stealth *Stealth

	requests     atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Int64 // unix nanos
	risk         atomic.Int32
}

// New returns a Policy starting at low risk.
func New(opts Options) *Policy {
	p := &Policy{opts: opts, clk: opts.Clock, log: opts.Logger, rnd: opts.Rand}
	if p.clk == nil {
		p.clk = clock.Real()
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	if p.rnd == nil {
		p.rnd = rand.Float64
	}
	if opts.UltraSafe {
		p.stealth = NewStealth(opts.Stealth, p.clk, p.log, p.rnd)
	}
	p.lastActivity.Store(p.clk.Now().UnixNano())
	return p
}

// UltraSafe reports whether ultra-safe pacing is on.
func (p *Policy) UltraSafe() bool { return p.opts.UltraSafe }

// Delay returns a human-like delay for k.
func (p *Policy) Delay(k Kind) time.Duration {
	return humanDelay(k, p.opts.UltraSafe, p.rnd)
}

// NextSafeRequestDelay scales a browsing delay by the risk level (1x, 2x, 3x).
func (p *Policy) NextSafeRequestDelay() time.Duration {
	return p.Delay(Browsing) * time.Duration(p.Risk()+1)
}

// Pace sleeps for NextSafeRequestDelay and, in ultra-safe mode, waits on the stealth limiter.
func (p *Policy) Pace(ctx context.Context) error {
	if err := clock.Sleep(ctx, p.clk, p.NextSafeRequestDelay()); err != nil {
		return err
	}
	if p.stealth != nil {
		return p.stealth.Wait(ctx)
	}
	return nil
}

// Wait sleeps for Delay(k).
func (p *Policy) Wait(ctx context.Context, k Kind) error {
	return clock.Sleep(ctx, p.clk, p.Delay(k))
}

// RecordRequest counts one request and marks activity.
func (p *Policy) RecordRequest(isError bool) {
	p.requests.Add(1)
	if isError {
		p.errors.Add(1)
	}
	p.lastActivity.Store(p.clk.Now().UnixNano())
}

// RecordError counts a failed request and reports whether err looks like an account challenge.
func (p *Policy) RecordError(err error) Classification {
	p.RecordRequest(true)
	c := ClassifyError(err)
	if c.Dangerous {
		p.log.Warn("safety.alert", "kind", c.Kind, "err", err)
	}
	return c
}

// DecrementErrors lowers the error counter by one, never below zero.
func (p *Policy) DecrementErrors() {
	for {
		cur := p.errors.Load()
		if cur <= 0 || p.errors.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ErrorCount returns the current error counter.
func (p *Policy) ErrorCount() int64 { return p.errors.Load() }

// Risk returns the current risk level.
func (p *Policy) Risk() RiskLevel { return RiskLevel(p.risk.Load()) }

// SetRisk forces the risk level.
func (p *Policy) SetRisk(level RiskLevel) {
	p.swapRisk(level)
}

func (p *Policy) swapRisk(level RiskLevel) {
	old := RiskLevel(p.risk.Swap(int32(level)))
	p.opts.Metrics.SetRisk(int(level))
	if old != level {
		p.log.Info("safety.risk.changed", "from", old.String(), "to", level.String())
		if p.opts.OnRiskChange != nil {
			p.opts.OnRiskChange(old, level)
		}
	}
}

// RecomputeRisk derives the risk level from the counters and time since the last activity.
func (p *Policy) RecomputeRisk() RiskLevel {
	idle := p.clk.Now().Sub(time.Unix(0, p.lastActivity.Load()))
	level := classifyRisk(p.requests.Load(), p.errors.Load(), idle)
	p.swapRisk(level)
	return level
}

// Snapshot returns the current counters.
func (p *Policy) Snapshot() RiskMetrics {
	return RiskMetrics{
		RequestCount: p.requests.Load(),
		ErrorCount:   p.errors.Load(),
		LastActivity: time.Unix(0, p.lastActivity.Load()).UTC(),
		RiskLevel:    p.Risk(),
	}
}

// Run recomputes the risk level every RiskInterval until ctx is done.
func (p *Policy) Run(ctx context.Context) error {
	t := p.clk.NewTicker(RiskInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.RecomputeRisk()
		}
	}
}

// Recommendations lists operator advice for the current state.
func (p *Policy) Recommendations() []string {
	var out []string
	if p.Risk() == RiskHigh {
		out = append(out, "Reduce request frequency", "Add longer delays between actions")
	}
	if p.errors.Load() > 5 {
		out = append(out, "Check account status manually", "Consider using fresh session cookies")
	}
	return out
}

// ValidateSession reports whether a live session may keep issuing requests.
func (p *Policy) ValidateSession(userID string) Verdict {
	if userID == "" {
		return Verdict{Reason: "Session missing essential data"}
	}
	if p.Risk() == RiskHigh {
		return Verdict{Reason: "Session risk level too high"}
	}
	return Verdict{Safe: true, Reason: "Session validated successfully"}
}
