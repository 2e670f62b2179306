package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/internal/ids"
	"msgrlink/safety"
)

// Publish sends a mutation on topic and waits for its ack. body is marshaled to JSON.
// A rejected ack returns a *ServerError, or a *safety.AlertError when the rejection
// looks like a checkpoint.
func (m *Manager) Publish(ctx context.Context, topic string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", topic, err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	conn := m.conn
	if conn == nil || !m.state.Live() {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.auth.RequestNumber++
	m.auth.TaskNumber++
	reqID := ids.MustULID(m.clk.Now())
	task := m.auth.TaskNumber
	ch := make(chan ackResult, 1)
	m.pending[reqID] = ch
	m.mu.Unlock()

	payload, err := json.Marshal(v1.PublishPayload{RequestID: reqID, Topic: topic, TaskID: task, Body: raw})
	if err != nil {
		m.dropPending(reqID)
		return nil, err
	}
	if err := conn.Send(ctx, m.envelope(v1.TypePublish, payload)); err != nil {
		m.dropPending(reqID)
		return nil, fmt.Errorf("%w: publish %s: %v", ErrNotConnected, topic, err)
	}

	timeout := make(chan struct{})
	timer := m.clk.AfterFunc(m.cfg.AckTimeout, func() { close(timeout) })
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		m.dropPending(reqID)
		return nil, ctx.Err()
	case <-timeout:
		m.dropPending(reqID)
		return nil, fmt.Errorf("%w: %s after %s", ErrAckTimeout, topic, m.cfg.AckTimeout)
	}
}

// Pending returns the number of publishes awaiting an ack.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) dropPending(reqID string) {
	m.mu.Lock()
	delete(m.pending, reqID)
	m.mu.Unlock()
}

func (m *Manager) resolve(ack v1.AckPayload) {
	m.mu.Lock()
	ch, ok := m.pending[ack.RequestID]
	delete(m.pending, ack.RequestID)
	m.mu.Unlock()
	if !ok {
		m.log.Debug("conn.ack.unknown", "request_id", ack.RequestID)
		return
	}

	if ack.OK {
		ch <- ackResult{result: ack.Result}
		return
	}

	serr := &ServerError{Code: "rejected", err: ErrRejected}
	if ack.Error != nil {
		serr.Code = ack.Error.Code
		serr.Message = ack.Error.Message
	}
	if c := safety.ClassifyError(serr); c.Dangerous {
		alert := &safety.AlertError{Kind: c.Kind, Err: serr}
		m.Emit(Event{Kind: EventSafetyAlert, Reason: c.Kind, Err: alert})
		ch <- ackResult{err: alert}
		return
	}
	ch <- ackResult{err: serr}
}
