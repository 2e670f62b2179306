package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"msgrlink/errs"
	"msgrlink/internal/clock"
	"msgrlink/internal/metrics"
)

const (
	DefaultCapacity   = 100
	DefaultIdleAfter  = 30 * time.Minute
	DefaultSweepEvery = 5 * time.Minute
)

// SendFunc delivers one payload.
type SendFunc func(ctx context.Context, dest string, payload any) (json.RawMessage, error)

// Callback receives the outcome of one entry. It may be nil.
type Callback func(result json.RawMessage, err error)

// Pacer delays a send. *safety.Policy satisfies it.
type Pacer interface {
	Pace(ctx context.Context) error
}

// Config configures a Dispatcher.
type Config struct {
	Send  SendFunc
	Pacer Pacer

	// Queued reports whether dest goes through a queue. Nil queues every destination.
	Queued func(dest string) bool

	Capacity   int
	IdleAfter  time.Duration
	SweepEvery time.Duration

	// Retries is how many extra attempts a failed send gets before the next entry.
	// Terminal errors are never retried.
	Retries    int
	RetryDelay time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Queues    int   `json:"queues"`
	Depth     int   `json:"depth"`
	Sending   int   `json:"sending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Drops     int64 `json:"drops"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

type entry struct {
	dest       string
	payload    any
	cb         Callback
	enqueuedAt time.Time
}

type queue struct {
	items      []entry
	sending    bool
	lastActive time.Time

	// turn is held for each send so the drainer and Flush never overlap.
	turn chan struct{}
	// flushers counts Flush calls waiting for turn; the drainer yields to them.
	flushers int
}

func newQueue() *queue {
	return &queue{turn: make(chan struct{}, 1)}
}

// Dispatcher owns the per-destination queues of one handle.
type Dispatcher struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[string]*queue
	capacity int
	closed   bool
	stats    Stats
}

// New returns a Dispatcher and starts its sweeper.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Send == nil {
		return nil, errors.New("outbound: nil send func")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultSweepEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		clk:      cfg.Clock,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*queue),
		capacity: cfg.Capacity,
	}
	go d.sweeper()
	return d, nil
}

// Enqueue schedules payload for dest. Destinations that are not queued are sent
// right away on their own goroutine.
func (d *Dispatcher) Enqueue(dest string, payload any, cb Callback) error {
	if dest == "" {
		return ErrNoDestination
	}
	e := entry{dest: dest, payload: payload, cb: cb, enqueuedAt: d.clk.Now()}

	if d.cfg.Queued != nil && !d.cfg.Queued(dest) {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return ErrClosed
		}
		go d.deliver(e)
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	q, ok := d.queues[dest]
	if !ok {
		q = newQueue()
		d.queues[dest] = q
	}
	q.lastActive = e.enqueuedAt

	var dropped []entry
	for len(q.items) >= d.capacity {
		dropped = append(dropped, q.items[0])
		q.items = q.items[1:]
		d.stats.Drops++
	}
	q.items = append(q.items, e)
	start := !q.sending
	if start {
		q.sending = true
	}
	d.mu.Unlock()

	d.cfg.Metrics.AddQueueDepth(1 - len(dropped))
	for _, x := range dropped {
		d.cfg.Metrics.IncQueueDrop()
		d.log.Warn("outbound.queue.drop", "dest", dest, "queued_for", e.enqueuedAt.Sub(x.enqueuedAt))
		notify(x.cb, nil, ErrQueueOverflow)
	}
	if start {
		go d.drain(q)
	}
	return nil
}

func (d *Dispatcher) drain(q *queue) {
	for {
		q.turn <- struct{}{}
		d.mu.Lock()
		if len(q.items) == 0 || d.closed || q.flushers > 0 {
			q.sending = false
			q.lastActive = d.clk.Now()
			d.mu.Unlock()
			<-q.turn
			return
		}
		e := q.items[0]
		q.items = q.items[1:]
		d.mu.Unlock()

		d.cfg.Metrics.AddQueueDepth(-1)
		d.deliver(e)
		<-q.turn
	}
}

func (d *Dispatcher) deliver(e entry) {
	var (
		res json.RawMessage
		err error
	)
	for attempt := 0; attempt <= d.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := clock.Sleep(d.ctx, d.clk, d.cfg.RetryDelay); err != nil {
				break
			}
			d.log.Debug("outbound.send.retry", "dest", e.dest, "attempt", attempt)
		}
		res, err = d.sendOnce(e)
		if err == nil || errs.Terminal(err) || d.ctx.Err() != nil {
			break
		}
	}

	d.mu.Lock()
	if err != nil {
		d.stats.Failed++
	} else {
		d.stats.Sent++
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Warn("outbound.send.failed", "dest", e.dest, "err", err)
	}
	notify(e.cb, res, err)
}

func (d *Dispatcher) sendOnce(e entry) (json.RawMessage, error) {
	if d.cfg.Pacer != nil {
		if err := d.cfg.Pacer.Pace(d.ctx); err != nil {
			if d.ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, err
		}
	}
	res, err := d.cfg.Send(d.ctx, e.dest, e.payload)
	d.cfg.Metrics.ObserveSend(err)
	return res, err
}

// Flush sends everything queued for dest now, in order, on the calling goroutine,
// without pacing. A send already in flight for dest finishes first. It returns how
// many entries were sent successfully.
func (d *Dispatcher) Flush(ctx context.Context, dest string) int {
	d.mu.Lock()
	q := d.queues[dest]
	if q == nil || d.closed {
		d.mu.Unlock()
		return 0
	}
	q.flushers++
	d.mu.Unlock()

	var items []entry
	select {
	case q.turn <- struct{}{}:
		d.mu.Lock()
		q.flushers--
		if !d.closed {
			items = q.items
			q.items = nil
			q.lastActive = d.clk.Now()
		}
		d.mu.Unlock()
	case <-ctx.Done():
		d.mu.Lock()
		q.flushers--
		d.mu.Unlock()
		d.resume(q)
		return 0
	case <-d.ctx.Done():
		return 0
	}

	d.cfg.Metrics.AddQueueDepth(-len(items))
	sent := 0
	for _, e := range items {
		res, err := d.cfg.Send(ctx, e.dest, e.payload)
		d.cfg.Metrics.ObserveSend(err)
		d.mu.Lock()
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Sent++
			sent++
		}
		d.mu.Unlock()
		notify(e.cb, res, err)
	}
	<-q.turn
	d.resume(q)
	return sent
}

// resume restarts the drainer for entries that arrived while a Flush held the queue.
func (d *Dispatcher) resume(q *queue) {
	d.mu.Lock()
	start := !d.closed && !q.sending && q.flushers == 0 && len(q.items) > 0
	if start {
		q.sending = true
	}
	d.mu.Unlock()
	if start {
		go d.drain(q)
	}
}

// SetCapacity changes the per-destination bound. Queues already over it are trimmed
// by the next sweep.
func (d *Dispatcher) SetCapacity(n int) {
	if n <= 0 {
		n = DefaultCapacity
	}
	d.mu.Lock()
	d.capacity = n
	d.mu.Unlock()
}

// Stats returns counters and current depth.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Queues = len(d.queues)
	for _, q := range d.queues {
		s.Depth += len(q.items)
		if q.sending {
			s.Sending++
		}
	}
	return s
}

// Depth returns how many entries wait for dest.
func (d *Dispatcher) Depth(dest string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[dest]; q != nil {
		return len(q.items)
	}
	return 0
}

// Close stops the sweeper and fails every entry still queued with ErrClosed.
// An in-flight send is cancelled through its context.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var pending []entry
	for _, q := range d.queues {
		pending = append(pending, q.items...)
		q.items = nil
	}
	d.mu.Unlock()

	d.cancel()
	d.cfg.Metrics.AddQueueDepth(-len(pending))
	for _, e := range pending {
		notify(e.cb, nil, ErrClosed)
	}
}

func notify(cb Callback, res json.RawMessage, err error) {
	if cb != nil {
		cb(res, err)
	}
}
