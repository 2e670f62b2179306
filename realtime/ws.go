package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/internal/httpx"
	"msgrlink/safety"

	"github.com/coder/websocket"
)

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadLimit    = 1 << 20 // 1MiB
	wsCloseGrace          = time.Second
)

// WSDialer opens realtime transports over WebSocket.
type WSDialer struct {
	// Proxy is applied to the handshake when HTTPClient is nil.
	Proxy string
	// HTTPClient performs the handshake. It must not set Timeout.
	HTTPClient *http.Client
	// Origin is sent as the Origin header when set.
	Origin string
	// Header is merged into every handshake.
	Header http.Header

	WriteTimeout time.Duration
	ReadLimit    int64

	once    sync.Once
	client  *http.Client
	initErr error
}

func (d *WSDialer) httpClient() (*http.Client, error) {
	d.once.Do(func() {
		if d.HTTPClient != nil {
			d.client = d.HTTPClient
			return
		}
		d.client, d.initErr = httpx.NewUpgradeClient(d.Proxy)
	})
	return d.client, d.initErr
}

// Dial performs the WebSocket handshake. The connect/connack exchange is left to the Manager.
func (d *WSDialer) Dial(ctx context.Context, endpoint string, auth AuthContext) (Conn, error) {
	if err := validateWSURL(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}
	hc, err := d.httpClient()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}

	h := http.Header{}
	for k, vs := range d.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	safety.ApplyHeaders(h, auth.UserAgent, auth.region())
	if d.Origin != "" {
		h.Set("Origin", d.Origin)
	}
	if c := auth.Cookies.CookieHeader(); c != "" {
		h.Set("Cookie", c)
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient:   hc,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrHandshake, conn.Subprotocol())
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = wsDefaultReadLimit
	}
	conn.SetReadLimit(limit)

	wt := d.WriteTimeout
	if wt <= 0 {
		wt = wsDefaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: wt}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) Send(ctx context.Context, env v1.Envelope) error {
	return writeEnvelope(ctx, c.conn, env, c.writeTimeout)
}

func (c *wsConn) Recv(ctx context.Context) (v1.Envelope, error) {
	env, err := readEnvelope(ctx, c.conn)
	if errors.Is(err, ErrBadFrame) {
		return v1.Envelope{}, err
	}
	if err != nil {
		return v1.Envelope{}, wrapReadErr(err)
	}
	return env, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- c.conn.Close(websocket.StatusNormalClosure, "bye") }()
		select {
		case c.closeErr = <-done:
		case <-time.After(wsCloseGrace):
			c.closeErr = c.conn.CloseNow()
		}
	})
	return c.closeErr
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func (k readErrKind) String() string {
	switch k {
	case readErrClose:
		return "close"
	case readErrCtxDone:
		return "ctx_done"
	case readErrConnClosed:
		return "conn_closed"
	case readErrBadJSON:
		return "bad_json"
	default:
		return "unknown"
	}
}

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if errors.Is(err, ErrBadFrame) {
		return readErrBadJSON
	}
	return readErrUnknown
}

func wrapReadErr(err error) error {
	return fmt.Errorf("%w (%s): %v", ErrConnectionLost, classifyReadErr(err), err)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
