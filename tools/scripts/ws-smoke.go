// Package main is a CI-friendly smoke test for a msgrlink deployment.
//
// Against a realtime endpoint speaking msgrlink.realtime.v1 it checks:
//   - handshake + subprotocol selection
//   - connect/connack session establishment
//   - ping -> pong
//   - publish (typing indicator) -> ack by request id
//
// With -status it also checks a running msgrlink binary: /healthz, /readyz and /status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/internal/ids"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = pflag.String("url", "", "realtime endpoint (ws:// or wss://); skipped when empty")
		origin    = pflag.String("origin", "", "Origin header to send with the handshake")
		cookie    = pflag.String("cookie", "", "Cookie header to send with the handshake")
		userID    = pflag.String("user", "", "user id for the connect payload")
		region    = pflag.String("region", "PRN", "region for the connect payload")
		token     = pflag.String("token", "", "CSRF token for the connect payload")
		thread    = pflag.String("thread", "", "thread id for the typing publish; skipped when empty")
		statusURL = pflag.String("status", "", "base URL of a running msgrlink (http://127.0.0.1:8080); skipped when empty")
		timeout   = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose   = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	if *wsURL == "" && *statusURL == "" {
		fatalf("nothing to check: pass --url and/or --status")
	}

	root := context.Background()

	if *wsURL != "" {
		if err := validateWSURL(*wsURL); err != nil {
			fatalf("invalid --url: %v", err)
		}
		if err := validateOrigin(*origin); err != nil {
			fatalf("invalid --origin: %v", err)
		}

		c := mustConnect(root, *wsURL, *origin, *cookie, v1.ConnectPayload{
			UserID:   *userID,
			ClientID: ids.MustULID(time.Now()),
			Region:   *region,
			Token:    *token,
		}, *timeout)
		defer closeWS(c.conn)
		if *verbose {
			fmt.Printf("connected: session=%s\n", c.sessionID)
		}

		mustPing(root, c, *timeout)
		if *thread != "" {
			mustPublishTyping(root, c, *thread, *timeout)
		}
		fmt.Printf("OK realtime: session=%s\n", c.sessionID)
	}

	if *statusURL != "" {
		base := strings.TrimRight(*statusURL, "/")
		mustHTTPOK(root, base+"/healthz", *timeout)
		mustHTTPOK(root, base+"/readyz", *timeout)
		body := mustHTTPOK(root, base+"/status", *timeout)

		var st struct {
			UserID    string `json:"user_id"`
			State     string `json:"state"`
			Connected bool   `json:"connected"`
			Risk      string `json:"risk"`
		}
		if err := json.Unmarshal(body, &st); err != nil {
			fatalf("decode /status: %v", err)
		}
		if !st.Connected {
			fatalf("/status reports disconnected (state=%s)", st.State)
		}
		fmt.Printf("OK status: user=%s state=%s risk=%s\n", st.UserID, st.State, st.Risk)
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, cookie string, hello v1.ConnectPayload, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(cookie) != "" {
		h.Set("Cookie", cookie)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(v1.TypeConnect, mustJSON(hello)), stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeConnack, stepTimeout, nil)

	var p v1.ConnackPayload
	if err := ack.Decode(&p); err != nil {
		fatalf("decode connack: %v", err)
	}
	if p.Code != "" {
		fatalf("connack refused: code=%q msg=%q", p.Code, p.Message)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("connack missing session_id")
	}
	c.sessionID = p.SessionID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustPing(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	start := time.Now()
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypePing, nil), stepTimeout)
	c.mustReadUntilType(parent, v1.TypePong, stepTimeout, map[string]struct{}{v1.TypeEvent: {}})
	fmt.Printf("pong in %s\n", time.Since(start).Round(time.Millisecond))
}

func mustPublishTyping(parent context.Context, c *smokeClient, thread string, stepTimeout time.Duration) {
	reqID := ids.MustULID(time.Now())
	pub := v1.PublishPayload{
		RequestID: reqID,
		Topic:     v1.TopicTyping,
		Body:      mustJSON(v1.TypingBody{ThreadID: thread, Typing: true}),
	}
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypePublish, mustJSON(pub)), stepTimeout)

	skip := map[string]struct{}{v1.TypeEvent: {}, v1.TypePing: {}}
	for {
		env := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout, skip)
		var ack v1.AckPayload
		if err := env.Decode(&ack); err != nil {
			fatalf("decode ack: %v", err)
		}
		if ack.RequestID != reqID {
			continue
		}
		if !ack.OK {
			msg := "no detail"
			if ack.Error != nil {
				msg = ack.Error.Code + ": " + ack.Error.Message
			}
			fatalf("typing publish rejected: %s", msg)
		}
		return
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("endpoint error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func mustHTTPOK(parent context.Context, rawURL string, stepTimeout time.Duration) []byte {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		fatalf("build request %s: %v", rawURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("GET %s: status=%d body=%q", rawURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body
}

func envelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(time.Now()),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
