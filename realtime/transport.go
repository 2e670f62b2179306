package realtime

import (
	"context"

	v1 "msgrlink/contracts/realtime/v1"
)

// Conn is one open transport. Send and Ping may be called concurrently with Recv
// and with each other; Recv has a single caller.
type Conn interface {
	Send(ctx context.Context, env v1.Envelope) error
	Recv(ctx context.Context) (v1.Envelope, error)
	// Ping is a transport-level liveness check. It does not produce an inbound frame.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, auth AuthContext) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, auth AuthContext) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string, auth AuthContext) (Conn, error) {
	return f(ctx, endpoint, auth)
}
