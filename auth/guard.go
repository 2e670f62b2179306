package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"msgrlink/internal/clock"
)

// AttemptGuard spaces login attempts for one account. Share a guard between every
// Authenticator that logs in as the same user so the spacing survives across logins.
type AttemptGuard struct {
	mu   sync.Mutex
	last time.Time
}

// Wait blocks until at least interval has passed since the previous attempt, then records
// a new attempt. The lock is held while sleeping so concurrent callers queue up.
func (g *AttemptGuard) Wait(ctx context.Context, clk clock.Clock, interval time.Duration, log *slog.Logger) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if interval > 0 && !g.last.IsZero() {
		if wait := g.last.Add(interval).Sub(clk.Now()); wait > 0 {
			if log != nil {
				log.Info("auth.rate_guard.wait", "wait", wait)
			}
			if err := clock.Sleep(ctx, clk, wait); err != nil {
				return err
			}
		}
	}
	g.last = clk.Now()
	return nil
}

// Last returns when the previous attempt started.
func (g *AttemptGuard) Last() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
