package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/internal/clock"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	in     chan v1.Envelope
	out    chan v1.Envelope
	closed chan struct{}
	once   sync.Once

	pings    atomic.Int32
	pingFail atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan v1.Envelope, 64),
		out:    make(chan v1.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Recv(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return v1.Envelope{}, io.EOF
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Ping(context.Context) error {
	c.pings.Add(1)
	if c.pingFail.Load() {
		return errors.New("ping timeout")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(typ string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	c.in <- v1.Envelope{V: v1.Version, Type: typ, ID: "srv", TS: t0, Payload: raw}
}

// fakePeer plays the realtime endpoint for every dialed fakeConn.
type fakePeer struct {
	mu          sync.Mutex
	conns       []*fakeConn
	auths       []AuthContext
	connects    []v1.ConnectPayload
	published   []v1.PublishPayload
	dialErr     error
	refuse      *v1.ConnackPayload
	answerPings bool
	onPublish   func(v1.PublishPayload) *v1.AckPayload
}

func (p *fakePeer) Dial(_ context.Context, _ string, auth AuthContext) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	c := newFakeConn()
	p.conns = append(p.conns, c)
	p.auths = append(p.auths, auth)
	go p.serve(c)
	return c, nil
}

func (p *fakePeer) serve(c *fakeConn) {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.out:
			p.handle(c, env)
		}
	}
}

func (p *fakePeer) handle(c *fakeConn, env v1.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch env.Type {
	case v1.TypeConnect:
		var cp v1.ConnectPayload
		_ = json.Unmarshal(env.Payload, &cp)
		p.connects = append(p.connects, cp)
		if p.refuse != nil {
			c.push(v1.TypeConnack, p.refuse)
			return
		}
		c.push(v1.TypeConnack, v1.ConnackPayload{SessionID: "sess-1", Region: "ATN"})
	case v1.TypePing:
		if p.answerPings {
			c.push(v1.TypePong, nil)
		}
	case v1.TypePublish:
		var pp v1.PublishPayload
		_ = json.Unmarshal(env.Payload, &pp)
		p.published = append(p.published, pp)
		ack := &v1.AckPayload{RequestID: pp.RequestID, OK: true}
		if p.onPublish != nil {
			ack = p.onPublish(pp)
		}
		if ack != nil {
			c.push(v1.TypeAck, ack)
		}
	}
}

func (p *fakePeer) dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *fakePeer) conn(i int) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[i]
}

func (p *fakePeer) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

func (p *fakePeer) setDialErr(err error) {
	p.mu.Lock()
	p.dialErr = err
	p.mu.Unlock()
}

// eventLog collects events delivered to a listener.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds(k EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func zeroRand() float64 { return 0 }

func testAuth() AuthContext {
	return AuthContext{UserID: "100001", ClientID: "client-1", Endpoint: "ws://realtime.test/chat", Token: "tok"}
}

// newTestManager starts a Manager against peer on a fake clock. The watchdog and heartbeat
// are pushed far out unless mutate brings them back.
func newTestManager(t *testing.T, peer *fakePeer, mutate func(*Config)) (*Manager, *clock.FakeClock, *eventLog) {
	t.Helper()

	clk := clock.NewFake(t0)
	cfg := DefaultConfig()
	cfg.Dialer = peer
	cfg.Clock = clk
	cfg.Rand = zeroRand
	cfg.WatchdogEvery = 24 * time.Hour
	cfg.HeartbeatEvery = 24 * time.Hour
	cfg.HeartbeatJitter = 0
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	log := &eventLog{}
	m.Listen(log.add)

	require.NoError(t, m.Start(context.Background(), testAuth()))
	return m, clk, log
}
