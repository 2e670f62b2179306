package realtime

import (
	"context"
	"errors"
	"time"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/errs"
	"msgrlink/internal/clock"
)

// EnsureAlive runs one watchdog check now: probe a quiet connection, rebuild a
// stale or dropped one.
func (m *Manager) EnsureAlive() {
	m.mu.Lock()
	if !m.started || m.stopped || m.reconnecting {
		m.mu.Unlock()
		return
	}
	idle := m.clk.Now().Sub(m.lastEvent)
	live := m.state.Live()
	auto := m.cfg.AutoReconnect && !m.halted
	probing := m.probing
	if auto && idle > m.cfg.DeadAfter {
		m.attempt = 0
	}
	m.mu.Unlock()

	if !auto {
		return
	}
	switch {
	case idle > m.cfg.DeadAfter:
		m.reconnect("dead", true)
	case !live:
		m.reconnect("disconnected", false)
	case idle > m.cfg.HardStaleAfter:
		m.reconnect("hard-stale", false)
	case idle > m.cfg.SoftStaleAfter && !probing:
		m.probe()
	}
}

// ForceReconnect tears down the connection and dials again, ignoring the backoff
// window. It also re-enables automatic reconnects after a terminal failure.
func (m *Manager) ForceReconnect(reason string) {
	m.mu.Lock()
	m.halted = false
	m.failures = 0
	m.attempt = 0
	m.nextWindow = time.Time{}
	m.mu.Unlock()
	m.reconnect(reason, true)
}

// ResetBackoff zeroes the attempt counter.
func (m *Manager) ResetBackoff() {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
}

func (m *Manager) watchdog() {
	t := m.clk.NewTicker(m.cfg.WatchdogEvery)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.EnsureAlive()
		}
	}
}

func (m *Manager) heartbeat() {
	for {
		d := m.cfg.HeartbeatEvery
		if j := m.cfg.HeartbeatJitter; j > 0 {
			d += time.Duration((m.rnd()*2 - 1) * float64(j))
		}
		if err := clock.Sleep(m.ctx, m.clk, d); err != nil {
			return
		}
		m.beat()
	}
}

func (m *Manager) beat() {
	m.mu.Lock()
	conn := m.conn
	live := m.state.Live()
	m.mu.Unlock()
	if conn == nil || !live {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HeartbeatTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err != nil {
		m.metrics.IncHeartbeatFailure()
		m.log.Warn("conn.heartbeat.failed", "err", err)
		return
	}
	m.Emit(Event{Kind: EventHeartbeat})
}

func (m *Manager) probe() {
	m.mu.Lock()
	if m.probing || m.conn == nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.probing = true
	conn := m.conn
	gen := m.gen
	since := m.lastEvent
	m.state = Stale
	window := m.cfg.ProbeWindowMin + time.Duration(m.rnd()*float64(m.cfg.ProbeWindowMax-m.cfg.ProbeWindowMin))
	m.probeTimer = m.clk.AfterFunc(window, func() { m.probeExpired(gen, since) })
	m.mu.Unlock()

	m.log.Debug("conn.probe", "window", window)
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HeartbeatTimeout)
	err := conn.Send(ctx, m.envelope(v1.TypePing, nil))
	cancel()
	if err != nil {
		m.log.Debug("conn.probe.send_failed", "err", err)
	}
}

func (m *Manager) probeExpired(gen uint64, since time.Time) {
	m.mu.Lock()
	m.probeTimer = nil
	m.probing = false
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	fresh := m.lastEvent.After(since)
	if !fresh {
		switch m.cfg.ProbeBackoff {
		case BackoffDecay:
			m.attempt /= 2
		default:
			m.attempt = 0
			m.nextWindow = time.Time{}
		}
	}
	auto := m.cfg.AutoReconnect && !m.halted
	m.mu.Unlock()

	if fresh {
		return
	}
	m.log.Warn("conn.probe.timeout")
	if auto {
		m.reconnect("soft-stale", false)
	}
}

// reconnect tears down the current connection and schedules a dial after the
// backoff delay. Calls inside the backoff window are deferred to its end.
func (m *Manager) reconnect(reason string, ignoreWindow bool) {
	m.mu.Lock()
	if m.stopped || !m.started || m.reconnecting {
		m.mu.Unlock()
		return
	}

	now := m.clk.Now()
	if !ignoreWindow && now.Before(m.nextWindow) {
		wait := m.nextWindow.Sub(now)
		if !m.state.Live() && m.retryTimer == nil {
			m.retryTimer = m.clk.AfterFunc(wait, func() {
				m.mu.Lock()
				m.retryTimer = nil
				m.mu.Unlock()
				m.reconnect(reason, false)
			})
		}
		m.mu.Unlock()
		m.log.Debug("conn.reconnect.deferred", "reason", reason, "wait", wait)
		return
	}

	if limit := m.cfg.MaxReconnectAttempts; limit > 0 && m.failures >= limit {
		m.state = Disconnected
		m.halted = true
		exhausted := &ReconnectExhaustedError{Attempts: m.failures, Last: m.lastErr}
		m.mu.Unlock()
		m.metrics.SetConnected(false)
		m.log.Error("conn.reconnect.exhausted", "attempts", exhausted.Attempts, "err", exhausted.Last)
		m.Emit(Event{Kind: EventError, Reason: reason, Err: exhausted})
		return
	}

	m.retryTimer.Stop()
	m.retryTimer = nil
	m.reconnecting = true
	m.attempt++
	attempt := m.attempt
	delay := m.cfg.Backoff.Delay(attempt, m.rnd)
	m.nextWindow = now.Add(delay)

	old := m.conn
	m.conn = nil
	m.gen++
	m.state = Reconnecting
	m.stopTimersLocked()
	m.failPendingLocked(ErrNotConnected)
	auth := m.auth
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.metrics.SetConnected(false)
	m.metrics.IncReconnect()
	m.log.Info("conn.reconnect.start", "reason", reason, "attempt", attempt, "delay", delay)
	m.Emit(Event{Kind: EventReconnect, Attempt: attempt, Delay: delay, Reason: reason})

	go m.redial(auth, delay, reason)
}

func (m *Manager) redial(auth AuthContext, delay time.Duration, reason string) {
	if err := clock.Sleep(m.ctx, m.clk, delay); err != nil {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		return
	}

	var err error
	if m.cfg.RefreshAuth != nil {
		next, rerr := m.cfg.RefreshAuth(m.ctx, auth)
		switch {
		case rerr == nil:
			auth = next
		case errs.Terminal(rerr):
			err = rerr
		default:
			m.log.Warn("conn.auth.refresh_failed", "err", rerr)
		}
	}
	if err == nil {
		err = m.connect(m.ctx, auth)
	}

	m.mu.Lock()
	m.reconnecting = false
	if err == nil {
		m.failures = 0
		m.mu.Unlock()
		m.log.Info("conn.reconnect.ok", "reason", reason)
		return
	}
	if m.stopped || errors.Is(err, ErrStopped) {
		m.mu.Unlock()
		return
	}
	m.failures++
	m.lastErr = err
	m.state = Disconnected
	terminal := errs.Terminal(err)
	if terminal {
		m.halted = true
	}
	m.mu.Unlock()

	m.log.Warn("conn.reconnect.failed", "reason", reason, "err", err)
	m.reportError(err)
	if terminal {
		m.log.Error("conn.reconnect.halted", "err", err)
		return
	}
	m.reconnect(reason, false)
}
