package safety

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgrlink/internal/clock"
)

// StealthConfig caps request volume under ultra-safe mode.
type StealthConfig struct {
	MaxPerMinute     int
	DailyLimit       int
	PauseProbability float64
	MinPause         time.Duration
	MaxPause         time.Duration
}

// DefaultStealthConfig allows three requests a minute, 500 a day, and a 5% chance of a
// 5-15 minute break after each request.
func DefaultStealthConfig() StealthConfig {
	return StealthConfig{
		MaxPerMinute:     3,
		DailyLimit:       500,
		PauseProbability: 0.05,
		MinPause:         5 * time.Minute,
		MaxPause:         15 * time.Minute,
	}
}

// Stealth blocks callers until the per-minute rate, the daily cap, and any random pause allow
// another request.
type Stealth struct {
	cfg   StealthConfig
	clk   clock.Clock
	log   *slog.Logger
	rnd   func() float64
	rate  *rate.Limiter
	daily *windowLimiter

	mu         sync.Mutex
	pauseUntil time.Time
}

// NewStealth builds a limiter driven by clk.
func NewStealth(cfg StealthConfig, clk clock.Clock, log *slog.Logger, rnd func() float64) *Stealth {
	def := DefaultStealthConfig()
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = def.MaxPerMinute
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = def.DailyLimit
	}
	if cfg.MaxPause < cfg.MinPause {
		cfg.MaxPause = cfg.MinPause
	}
	return &Stealth{
		cfg:   cfg,
		clk:   clk,
		log:   log,
		rnd:   rnd,
		rate:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)), cfg.MaxPerMinute),
		daily: newWindowLimiter(cfg.DailyLimit, 24*time.Hour),
	}
}

// Wait blocks until one request may proceed and records it.
func (s *Stealth) Wait(ctx context.Context) error {
	for {
		now := s.clk.Now()

		s.mu.Lock()
		pause := s.pauseUntil.Sub(now)
		s.mu.Unlock()
		if pause > 0 {
			s.log.Info("safety.stealth.wait", "wait", pause, "reason", "pause")
			if err := clock.Sleep(ctx, s.clk, pause); err != nil {
				return err
			}
			continue
		}

		taken, wait := s.daily.Take(now)
		if !taken {
			s.log.Warn("safety.stealth.wait", "wait", wait, "reason", "daily_limit")
			if err := clock.Sleep(ctx, s.clk, min(wait, time.Hour)); err != nil {
				return err
			}
			continue
		}

		r := s.rate.ReserveN(now, 1)
		if !r.OK() {
			s.daily.Release(now)
			return ctx.Err()
		}
		if delay := r.DelayFrom(now); delay > 0 {
			s.log.Debug("safety.stealth.wait", "wait", delay, "reason", "rate")
			if err := clock.Sleep(ctx, s.clk, delay); err != nil {
				r.CancelAt(s.clk.Now())
				s.daily.Release(now)
				return err
			}
		}

		s.maybePause()
		return nil
	}
}

// UsedToday returns how many requests were admitted in the last 24 hours.
func (s *Stealth) UsedToday() int {
	return s.daily.Len(s.clk.Now())
}

func (s *Stealth) maybePause() {
	if s.cfg.PauseProbability <= 0 || s.rnd() >= s.cfg.PauseProbability {
		return
	}
	span := s.cfg.MaxPause - s.cfg.MinPause
	d := s.cfg.MinPause + time.Duration(s.rnd()*float64(span))

	s.mu.Lock()
	s.pauseUntil = s.clk.Now().Add(d)
	s.mu.Unlock()
	s.log.Info("safety.stealth.pause", "duration", d)
}
