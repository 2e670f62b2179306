package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msgrlink/errs"
	"msgrlink/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// recorder is a SendFunc that logs every payload per destination. Payload "block"
// waits on gate.
type recorder struct {
	mu      sync.Mutex
	sent    map[string][]any
	gate    chan struct{}
	started chan struct{}
}

func newRecorder() *recorder {
	return &recorder{sent: map[string][]any{}, gate: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (r *recorder) send(ctx context.Context, dest string, payload any) (json.RawMessage, error) {
	if payload == "block" {
		r.started <- struct{}{}
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.sent[dest] = append(r.sent[dest], payload)
	r.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"dest":%q}`, dest)), nil
}

func (r *recorder) got(dest string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.sent[dest]...)
}

type countingPacer struct{ n atomic.Int32 }

func (p *countingPacer) Pace(ctx context.Context) error {
	p.n.Add(1)
	return ctx.Err()
}

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestDispatcher_FIFOPerDestination(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	pacer := &countingPacer{}
	d := newDispatcher(t, Config{Send: rec.send, Pacer: pacer})

	var wg sync.WaitGroup
	for i := range 50 {
		for _, dest := range []string{"t1", "t2"} {
			wg.Add(1)
			require.NoError(t, d.Enqueue(dest, i, func(res json.RawMessage, err error) {
				defer wg.Done()
				assert.NoError(t, err)
				assert.Contains(t, string(res), dest)
			}))
		}
	}
	wg.Wait()

	for _, dest := range []string{"t1", "t2"} {
		got := rec.got(dest)
		require.Len(t, got, 50)
		for i, v := range got {
			assert.Equal(t, i, v, "dest %s position %d", dest, i)
		}
	}
	assert.EqualValues(t, 100, pacer.n.Load())

	s := d.Stats()
	assert.EqualValues(t, 100, s.Sent)
	assert.Zero(t, s.Depth)
	assert.Equal(t, 2, s.Queues)
}

func TestDispatcher_CapacityDropsOldest(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := newDispatcher(t, Config{Send: rec.send, Capacity: 3})

	var mu sync.Mutex
	results := map[any]error{}
	cb := func(id any) Callback {
		return func(_ json.RawMessage, err error) {
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}
	}

	require.NoError(t, d.Enqueue("t1", "block", cb("block")))
	<-rec.started

	for i := range 5 {
		require.NoError(t, d.Enqueue("t1", i, cb(i)))
	}
	assert.Equal(t, 3, d.Depth("t1"))

	mu.Lock()
	assert.ErrorIs(t, results[0], ErrQueueOverflow)
	assert.ErrorIs(t, results[1], ErrQueueOverflow)
	mu.Unlock()

	close(rec.gate)
	require.Eventually(t, func() bool { return len(rec.got("t1")) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []any{"block", 2, 3, 4}, rec.got("t1"))
	assert.EqualValues(t, 2, d.Stats().Drops)
}

func TestDispatcher_DirectPath(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := newDispatcher(t, Config{
		Send:   rec.send,
		Queued: func(dest string) bool { return dest != "user-1" },
	})

	done := make(chan error, 1)
	require.NoError(t, d.Enqueue("user-1", "hi", func(_ json.RawMessage, err error) { done <- err }))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("direct send not delivered")
	}
	assert.Zero(t, d.Stats().Queues)
	assert.Equal(t, []any{"hi"}, rec.got("user-1"))

	require.ErrorIs(t, d.Enqueue("", "x", nil), ErrNoDestination)
}

func TestDispatcher_Flush(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := newDispatcher(t, Config{Send: rec.send})

	require.NoError(t, d.Enqueue("t1", "block", nil))
	<-rec.started
	for i := range 3 {
		require.NoError(t, d.Enqueue("t1", i, nil))
	}

	flushed := make(chan int, 1)
	go func() { flushed <- d.Flush(context.Background(), "t1") }()

	select {
	case n := <-flushed:
		t.Fatalf("flush overlapped the in-flight send (sent %d)", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.gate)
	select {
	case n := <-flushed:
		assert.Equal(t, 3, n)
	case <-time.After(waitFor):
		t.Fatal("flush did not finish")
	}
	assert.Equal(t, []any{"block", 0, 1, 2}, rec.got("t1"))
	assert.Zero(t, d.Depth("t1"))
	assert.Zero(t, d.Flush(context.Background(), "missing"))
}

// gatedPacer parks the first Pace call until gate is closed.
type gatedPacer struct {
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPacer) Pace(ctx context.Context) error {
	if p.calls.Add(1) > 1 {
		return ctx.Err()
	}
	close(p.entered)
	select {
	case <-p.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcher_FlushWaitsForPacedSend(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	pacer := &gatedPacer{entered: make(chan struct{}), gate: make(chan struct{})}
	d := newDispatcher(t, Config{Send: rec.send, Pacer: pacer})

	require.NoError(t, d.Enqueue("t1", "P1", nil))
	<-pacer.entered
	require.NoError(t, d.Enqueue("t1", "P2", nil))
	require.NoError(t, d.Enqueue("t1", "P3", nil))

	flushed := make(chan int, 1)
	go func() { flushed <- d.Flush(context.Background(), "t1") }()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.got("t1"), "nothing may be sent while P1 is being paced")

	close(pacer.gate)
	select {
	case n := <-flushed:
		assert.Equal(t, 2, n)
	case <-time.After(waitFor):
		t.Fatal("flush did not finish")
	}
	assert.Equal(t, []any{"P1", "P2", "P3"}, rec.got("t1"))
	assert.EqualValues(t, 1, pacer.calls.Load(), "flushed entries are not paced")
}

func TestDispatcher_FlushCancelledResumesDrain(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d := newDispatcher(t, Config{Send: rec.send})

	require.NoError(t, d.Enqueue("t1", "block", nil))
	<-rec.started
	require.NoError(t, d.Enqueue("t1", "next", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Zero(t, d.Flush(ctx, "t1"))

	close(rec.gate)
	require.Eventually(t, func() bool { return len(rec.got("t1")) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []any{"block", "next"}, rec.got("t1"))
}

func TestDispatcher_Retries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	send := func(_ context.Context, dest string, payload any) (json.RawMessage, error) {
		n := calls.Add(1)
		if payload == "terminal" {
			return nil, fmt.Errorf("login expired: %w", errs.ErrSessionInvalid)
		}
		if n < 3 {
			return nil, fmt.Errorf("reset: %w", errs.ErrTransport)
		}
		return nil, nil
	}
	d := newDispatcher(t, Config{Send: send, Retries: 2})

	done := make(chan error, 1)
	require.NoError(t, d.Enqueue("t1", "flaky", func(_ json.RawMessage, err error) { done <- err }))
	require.NoError(t, <-done)
	assert.EqualValues(t, 3, calls.Load())

	require.NoError(t, d.Enqueue("t1", "terminal", func(_ json.RawMessage, err error) { done <- err }))
	require.ErrorIs(t, <-done, errs.ErrSessionInvalid)
	assert.EqualValues(t, 4, calls.Load())
	assert.EqualValues(t, 1, d.Stats().Failed)
}

func TestDispatcher_SweepEvictsIdleQueues(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := newRecorder()
	d := newDispatcher(t, Config{Send: rec.send, Clock: clk, SweepEvery: 24 * time.Hour})

	done := make(chan error, 2)
	require.NoError(t, d.Enqueue("idle", 1, func(_ json.RawMessage, err error) { done <- err }))
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return d.Stats().Sending == 0 }, waitFor, 5*time.Millisecond)

	clk.Advance(10 * time.Minute)
	assert.Equal(t, SweepResult{}, d.Sweep())

	require.NoError(t, d.Enqueue("busy", "block", nil))
	<-rec.started
	for i := range 5 {
		require.NoError(t, d.Enqueue("busy", i, nil))
	}
	d.SetCapacity(2)

	clk.Advance(25 * time.Minute)
	res := d.Sweep()
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 2, d.Depth("busy"))

	s := d.Stats()
	assert.Equal(t, 1, s.Queues)
	assert.EqualValues(t, 1, s.Evictions)
	close(rec.gate)
}

func TestDispatcher_Close(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	d, err := New(Config{Send: rec.send})
	require.NoError(t, err)

	errsCh := make(chan error, 4)
	cb := func(_ json.RawMessage, err error) { errsCh <- err }
	require.NoError(t, d.Enqueue("t1", "block", cb))
	<-rec.started
	require.NoError(t, d.Enqueue("t1", 1, cb))
	require.NoError(t, d.Enqueue("t1", 2, cb))

	d.Close()
	d.Close()

	var got []error
	for range 3 {
		select {
		case err := <-errsCh:
			got = append(got, err)
		case <-time.After(waitFor):
			t.Fatal("callbacks not invoked")
		}
	}
	for _, err := range got {
		assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled), "unexpected %v", err)
	}
	require.ErrorIs(t, d.Enqueue("t1", 3, nil), ErrClosed)
}
