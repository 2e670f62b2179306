package realtime

import (
	"errors"
	"fmt"

	"msgrlink/errs"
)

var (
	// ErrNotConnected is returned by Publish while no connection is live.
	ErrNotConnected = fmt.Errorf("realtime: not connected: %w", errs.ErrTransport)

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("realtime: manager stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("realtime: already started")

	// ErrNoEndpoint is returned when neither the AuthContext nor the config names an endpoint.
	ErrNoEndpoint = errors.New("realtime: no endpoint configured")

	// ErrInvalidAuth is returned when the AuthContext cannot identify a session.
	ErrInvalidAuth = fmt.Errorf("realtime: invalid auth context: %w", errs.ErrSessionInvalid)

	// ErrDial is returned when the transport cannot be opened.
	ErrDial = fmt.Errorf("realtime: dial: %w", errs.ErrTransport)

	// ErrUnauthorized is returned when the endpoint refuses the session.
	ErrUnauthorized = fmt.Errorf("realtime: unauthorized: %w", errs.ErrSessionInvalid)

	// ErrHandshake is returned for a malformed connect/connack exchange.
	ErrHandshake = fmt.Errorf("realtime: handshake: %w", errs.ErrProtocol)

	// ErrBadFrame is returned by Conn.Recv for a frame that is not a JSON envelope.
	// The connection stays usable.
	ErrBadFrame = fmt.Errorf("realtime: bad frame: %w", errs.ErrProtocol)

	// ErrConnectionLost is reported when a live connection drops.
	ErrConnectionLost = fmt.Errorf("realtime: connection lost: %w", errs.ErrTransport)

	// ErrAckTimeout is returned when a publish is not acknowledged in time.
	ErrAckTimeout = fmt.Errorf("realtime: ack: %w", errs.ErrTimeout)

	// ErrRejected is returned when the endpoint answers a publish with ok=false.
	ErrRejected = fmt.Errorf("realtime: publish rejected: %w", errs.ErrProtocol)
)

// ReconnectExhaustedError is reported once MaxReconnectAttempts consecutive attempts failed.
type ReconnectExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ReconnectExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("realtime: gave up after %d reconnect attempts", e.Attempts)
	}
	return fmt.Sprintf("realtime: gave up after %d reconnect attempts: %v", e.Attempts, e.Last)
}

func (e *ReconnectExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{errs.ErrTransport}
	}
	return []error{errs.ErrTransport, e.Last}
}

// ServerError is an error envelope or a rejected ack.
type ServerError struct {
	Code    string
	Message string
	err     error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("realtime: server error %s: %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error { return e.err }
