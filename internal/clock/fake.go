package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance is called.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order, without
// the clock lock held, so callbacks may schedule further timers.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	interval time.Duration
	stopped  bool
}

// NewFake returns a FakeClock starting at start.
func NewFake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run during the Advance that crosses now+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	w := &fakeWaiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool { return c.stop(w) }}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.addLocked(w)
	c.mu.Unlock()

	return &Ticker{C: ch, stopFunc: func() { c.stop(w) }}
}

// Advance moves the clock forward by d, firing every waiter whose deadline is crossed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.popDueLocked(target)
		if w == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if w.deadline.After(c.now) {
			c.now = w.deadline
		}
		at := c.now
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			c.addLocked(w)
		}
		c.mu.Unlock()

		switch {
		case w.fn != nil:
			w.fn()
		case w.ch != nil:
			select {
			case w.ch <- at:
			default:
			}
		}
	}
}

// BlockUntil waits until at least n waiters are pending.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Pending returns the number of active waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addLocked(w *fakeWaiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) popDueLocked(target time.Time) *fakeWaiter {
	if len(c.waiters) == 0 {
		return nil
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	w := c.waiters[0]
	if w.deadline.After(target) {
		return nil
	}
	c.waiters = c.waiters[1:]
	return w
}

func (c *FakeClock) stop(w *fakeWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.stopped = true
			return true
		}
	}
	return false
}
