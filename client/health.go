package client

import (
	"time"

	"msgrlink/outbound"
	"msgrlink/safety"
)

// Health is a point-in-time view of one handle, shaped for JSON.
type Health struct {
	UserID      string        `json:"user_id"`
	State       string        `json:"state"`
	Connected   bool          `json:"connected"`
	SessionID   string        `json:"session_id,omitempty"`
	Region      string        `json:"region,omitempty"`
	Attempt     int           `json:"reconnect_attempt"`
	LastEvent   time.Time     `json:"last_event"`
	PendingAcks int           `json:"pending_acks"`
	Uptime      time.Duration `json:"uptime_ns"`

	Risk            string             `json:"risk"`
	Safety          safety.RiskMetrics `json:"safety"`
	Recommendations []string           `json:"recommendations,omitempty"`

	Queue outbound.Stats `json:"queue"`

	Refreshes        int64  `json:"refreshes"`
	LastRefreshOK    bool   `json:"last_refresh_ok"`
	LastRefreshError string `json:"last_refresh_error,omitempty"`
}

// HealthMetrics snapshots the connection, safety, queue and refresh state.
func (h *Handle) HealthMetrics() Health {
	state := h.mgr.State()
	ac := h.mgr.Auth()
	last, n := h.refresher.Last()

	out := Health{
		UserID:          h.UserID(),
		State:           state.String(),
		Connected:       state.Live(),
		SessionID:       h.mgr.SessionID(),
		Region:          ac.Region,
		Attempt:         h.mgr.Attempt(),
		LastEvent:       h.mgr.LastEvent(),
		PendingAcks:     h.mgr.Pending(),
		Risk:            h.policy.Risk().String(),
		Safety:          h.policy.Snapshot(),
		Recommendations: h.policy.Recommendations(),
		Queue:           h.disp.Stats(),
		Refreshes:       n,
		LastRefreshOK:   last.OK,
	}
	if !h.started.IsZero() {
		out.Uptime = h.clk.Now().Sub(h.started)
	}
	if last.Err != nil {
		out.LastRefreshError = last.Err.Error()
	}
	return out
}
