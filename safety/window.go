package safety

import (
	"sync"
	"time"
)

// windowLimiter is a sliding-window counter: at most limit events in any window.
type windowLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		events: make([]time.Time, 0, min(limit, 1024)+8),
		limit:  limit,
		window: window,
	}
}

func (r *windowLimiter) trim(now time.Time) {
	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst
}

// Take records an event at now when the window has room; otherwise it returns how long
// until it would. The check and the record happen under one lock.
func (r *windowLimiter) Take(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(now)
	if len(r.events) >= r.limit {
		return false, r.events[0].Add(r.window).Sub(now)
	}
	r.events = append(r.events, now)
	return true, 0
}

// Release forgets one event recorded at t, for a slot that was taken but not used.
func (r *windowLimiter) Release(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Equal(t) {
			r.events = append(r.events[:i], r.events[i+1:]...)
			return
		}
	}
}

// Len returns how many events are inside the window at now.
func (r *windowLimiter) Len(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(now)
	return len(r.events)
}
