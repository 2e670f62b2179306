package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/errs"
	"msgrlink/internal/clock"
	"msgrlink/internal/ids"
	"msgrlink/internal/metrics"
	"msgrlink/safety"
)

// Manager owns the realtime connection of one session.
type Manager struct {
	cfg     Config
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	rnd     func() float64

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	auth         AuthContext
	sessionID    string
	conn         Conn
	gen          uint64 // bumped whenever conn is replaced or dropped
	started      bool
	stopped      bool
	halted       bool // a terminal error stopped automatic reconnects
	reconnecting bool
	attempt      int
	failures     int
	nextWindow   time.Time
	lastEvent    time.Time
	lastErr      error
	probing      bool
	probeTimer   *clock.Timer
	resetTimer   *clock.Timer
	retryTimer   *clock.Timer
	pending      map[string]chan ackResult

	lmu       sync.RWMutex
	listeners []listenerEntry
	nextLID   uint64

	stopOnce sync.Once
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type ackResult struct {
	result json.RawMessage
	err    error
}

// NewManager returns a Manager in the DISCONNECTED state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("realtime: nil dialer")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		clk:     cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		rnd:     cfg.Rand,
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected,
		pending: make(map[string]chan ackResult),
	}, nil
}

// Start opens the first connection and starts the watchdog and heartbeat.
// ctx bounds the initial dial only; the Manager runs until Stop.
func (m *Manager) Start(ctx context.Context, auth AuthContext) error {
	if err := auth.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return ErrStopped
	case m.started:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.state = Connecting
	m.attempt = 0
	m.mu.Unlock()

	if err := m.connect(ctx, auth); err != nil {
		m.mu.Lock()
		m.started = false
		if !m.stopped {
			m.state = Disconnected
		}
		m.mu.Unlock()
		m.log.Warn("conn.start.failed", "err", err)
		return err
	}

	go m.watchdog()
	go m.heartbeat()
	return nil
}

// Stop closes the connection and cancels every timer. It is idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		conn := m.conn
		m.conn = nil
		m.gen++
		m.state = Disconnected
		m.stopTimersLocked()
		m.retryTimer.Stop()
		m.retryTimer = nil
		m.failPendingLocked(ErrStopped)
		m.mu.Unlock()

		m.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		m.metrics.SetConnected(false)
		m.log.Info("conn.stopped")
	})
}

// Done is closed by Stop.
func (m *Manager) Done() <-chan struct{} { return m.ctx.Done() }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastEvent returns when the last inbound frame arrived.
func (m *Manager) LastEvent() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEvent
}

// Auth returns a copy of the live AuthContext.
func (m *Manager) Auth() AuthContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth
}

// SessionID returns the id from the last connack.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Attempt returns the current backoff attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Listen registers fn for every event. The returned func unregisters it.
func (m *Manager) Listen(fn Listener) (stop func()) {
	m.lmu.Lock()
	m.nextLID++
	id := m.nextLID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers ev to every listener in registration order.
func (m *Manager) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = m.clk.Now()
	}
	m.metrics.ObserveEvent(ev.Kind.String())

	m.lmu.RLock()
	ls := make([]Listener, len(m.listeners))
	for i, l := range m.listeners {
		ls[i] = l.fn
	}
	m.lmu.RUnlock()

	for _, fn := range ls {
		fn(ev)
	}
}

// ---- connect ----

func (m *Manager) connect(ctx context.Context, auth AuthContext) error {
	if auth.Endpoint == "" {
		auth.Endpoint = m.cfg.DefaultEndpoint
	}
	if auth.Endpoint == "" {
		return ErrNoEndpoint
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.cfg.Dialer.Dial(dctx, auth.Endpoint, auth)
	if err != nil {
		if errors.Is(err, errs.ErrTransport) || errors.Is(err, errs.ErrSessionInvalid) || errors.Is(err, errs.ErrProtocol) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDial, err)
	}

	ack, err := m.handshake(dctx, conn, auth)
	if err != nil {
		_ = conn.Close()
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	if ack.Region != "" {
		auth.Region = ack.Region
	}
	auth.RequestNumber = max(auth.RequestNumber, m.auth.RequestNumber)
	auth.TaskNumber = max(auth.TaskNumber, m.auth.TaskNumber)

	m.gen++
	gen := m.gen
	m.conn = conn
	m.auth = auth
	m.sessionID = ack.SessionID
	m.state = Connected
	m.lastEvent = m.clk.Now()
	m.lastErr = nil
	m.probing = false
	if m.attempt > 0 {
		m.resetTimer.Stop()
		m.resetTimer = m.clk.AfterFunc(m.cfg.BackoffResetAfter, func() { m.confirmLive(gen) })
	}
	m.mu.Unlock()

	m.metrics.SetConnected(true)
	m.log.Info("conn.connected", "endpoint", auth.Endpoint, "region", auth.region(), "session_id", ack.SessionID)

	go m.readLoop(gen, conn)
	return nil
}

func (m *Manager) handshake(ctx context.Context, conn Conn, auth AuthContext) (v1.ConnackPayload, error) {
	payload, err := json.Marshal(v1.ConnectPayload{
		UserID:          auth.UserID,
		SecondaryUserID: auth.SecondaryUserID,
		ClientID:        auth.ClientID,
		Region:          auth.region(),
		Token:           auth.Token,
		UserAgent:       auth.UserAgent,
	})
	if err != nil {
		return v1.ConnackPayload{}, err
	}
	if err := conn.Send(ctx, m.envelope(v1.TypeConnect, payload)); err != nil {
		return v1.ConnackPayload{}, fmt.Errorf("%w: send connect: %v", ErrDial, err)
	}

	for {
		env, err := conn.Recv(ctx)
		if errors.Is(err, ErrBadFrame) {
			continue
		}
		if err != nil {
			return v1.ConnackPayload{}, fmt.Errorf("%w: await connack: %v", ErrDial, err)
		}
		if err := env.Validate(); err != nil {
			return v1.ConnackPayload{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}

		switch env.Type {
		case v1.TypePing:
			_ = conn.Send(ctx, m.envelope(v1.TypePong, nil))
		case v1.TypeConnack:
			var ack v1.ConnackPayload
			if err := env.Decode(&ack); err != nil {
				return v1.ConnackPayload{}, fmt.Errorf("%w: connack: %v", ErrHandshake, err)
			}
			if ack.Code != "" {
				refusal := &ServerError{Code: ack.Code, Message: ack.Message, err: ErrUnauthorized}
				if c := safety.ClassifyError(refusal); c.Dangerous {
					return v1.ConnackPayload{}, &safety.AlertError{Kind: c.Kind, Err: refusal}
				}
				return v1.ConnackPayload{}, refusal
			}
			return ack, nil
		default:
			return v1.ConnackPayload{}, fmt.Errorf("%w: expected connack, got %s", ErrHandshake, env.Type)
		}
	}
}

func (m *Manager) confirmLive(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.state.Live() {
		m.attempt = 0
		m.log.Debug("conn.backoff.reset")
	}
}

func (m *Manager) envelope(typ string, payload json.RawMessage) v1.Envelope {
	now := m.clk.Now()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		TS:      now.UTC(),
		Payload: payload,
	}
}

// ---- inbound ----

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		env, err := conn.Recv(m.ctx)
		if errors.Is(err, ErrBadFrame) {
			m.log.Warn("conn.frame.bad", "err", err)
			if !m.touch(gen) {
				return
			}
			continue
		}
		if err != nil {
			m.connLost(gen, err)
			return
		}
		if !m.touch(gen) {
			return
		}
		m.dispatch(conn, env)
	}
}

// touch records inbound traffic. It reports false once gen is no longer current.
func (m *Manager) touch(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.gen {
		return false
	}
	m.lastEvent = m.clk.Now()
	if m.state == Stale {
		m.state = Connected
	}
	return true
}

func (m *Manager) dispatch(conn Conn, env v1.Envelope) {
	if err := env.Validate(); err != nil {
		m.log.Warn("conn.frame.invalid", "err", err)
		return
	}

	switch env.Type {
	case v1.TypePing:
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HeartbeatTimeout)
		err := conn.Send(ctx, m.envelope(v1.TypePong, nil))
		cancel()
		if err != nil {
			m.log.Debug("conn.pong.failed", "err", err)
		}
	case v1.TypePong, v1.TypeConnack:
	case v1.TypeAck:
		var ack v1.AckPayload
		if err := env.Decode(&ack); err != nil {
			m.log.Warn("conn.ack.invalid", "err", err)
			return
		}
		m.resolve(ack)
	case v1.TypeEvent:
		var p v1.EventPayload
		if err := env.Decode(&p); err != nil {
			m.log.Warn("conn.event.invalid", "err", err)
			return
		}
		kind, ok := kindFromWire(p.Kind)
		if !ok {
			m.log.Debug("conn.event.unknown", "kind", p.Kind)
			return
		}
		m.Emit(Event{
			Kind:      kind,
			ThreadID:  p.ThreadID,
			SenderID:  p.SenderID,
			MessageID: p.MessageID,
			Body:      p.Body,
		})
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		m.reportError(&ServerError{Code: p.Code, Message: p.Message, err: errs.ErrProtocol})
	default:
		m.log.Debug("conn.frame.ignored", "type", env.Type)
	}
}

// reportError publishes err as EventSafetyAlert when it looks like a checkpoint, else as EventError.
func (m *Manager) reportError(err error) {
	var alert *safety.AlertError
	if errors.As(err, &alert) {
		m.Emit(Event{Kind: EventSafetyAlert, Reason: alert.Kind, Err: err})
		return
	}
	if c := safety.ClassifyError(err); c.Dangerous {
		m.Emit(Event{Kind: EventSafetyAlert, Reason: c.Kind, Err: &safety.AlertError{Kind: c.Kind, Err: err}})
		return
	}
	m.Emit(Event{Kind: EventError, Err: err})
}

func (m *Manager) connLost(gen uint64, err error) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.state = Disconnected
	m.lastErr = err
	m.stopTimersLocked()
	m.failPendingLocked(ErrNotConnected)
	auto := m.cfg.AutoReconnect && !m.halted
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.metrics.SetConnected(false)
	m.log.Warn("conn.lost", "err", err)
	if !errors.Is(err, errs.ErrTransport) {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	m.reportError(err)

	if auto {
		m.reconnect("disconnected", false)
	}
}

// stopTimersLocked cancels the probe and backoff-reset timers. m.mu must be held.
func (m *Manager) stopTimersLocked() {
	m.probeTimer.Stop()
	m.probeTimer = nil
	m.resetTimer.Stop()
	m.resetTimer = nil
	m.probing = false
}

func (m *Manager) failPendingLocked(err error) {
	for id, ch := range m.pending {
		ch <- ackResult{err: err}
		delete(m.pending, id)
	}
}
