// Package v1 defines the msgrlink realtime envelope protocol.
//
// The protocol is a thin JSON framing over a WebSocket: the client opens with
// connect, the endpoint answers connack, and from then on either side may send
// ping/pong probes, the client publishes mutations that are answered by ack,
// and the endpoint pushes event envelopes.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is offered during the WebSocket handshake.
const Subprotocol = "msgrlink.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeConnect opens a session (client -> endpoint).
	TypeConnect = "connect"
	// TypeConnack acknowledges the session (endpoint -> client).
	TypeConnack = "connack"

	// TypePing is a keepalive probe (either direction).
	TypePing = "ping"
	// TypePong answers a ping.
	TypePong = "pong"

	// TypePublish carries a mutation (client -> endpoint).
	TypePublish = "publish"
	// TypeAck answers a publish by request id (endpoint -> client).
	TypeAck = "ack"

	// TypeEvent pushes an inbound event (endpoint -> client).
	TypeEvent = "event"

	// TypeError is a generic error envelope (endpoint -> client).
	TypeError = "error"
)

// Publish topics.
const (
	TopicSendMessage = "send_message"
	TopicEditMessage = "edit_message"
	TopicReaction    = "set_reaction"
	TopicTyping      = "typing"
	TopicMarkRead    = "mark_read"
	TopicPresence    = "presence"
)

// Event kinds carried by TypeEvent.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventPresence    = "presence"
	EventGroupChange = "group_change"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConnect,
		TypeConnack,
		TypePing,
		TypePong,
		TypePublish,
		TypeAck,
		TypeEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// ---- Payloads ----

// ConnectPayload identifies the session. Cookies travel in the handshake headers.
type ConnectPayload struct {
	UserID          string `json:"user_id"`
	SecondaryUserID string `json:"secondary_user_id,omitempty"`
	ClientID        string `json:"client_id"`
	Region          string `json:"region,omitempty"`
	Token           string `json:"token,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
}

// ConnackPayload accepts or refuses a connect.
type ConnackPayload struct {
	SessionID string `json:"session_id"`
	Region    string `json:"region,omitempty"`
	// Code is non-empty when the endpoint refuses the session.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// PublishPayload is a mutation keyed by a client-chosen request id.
type PublishPayload struct {
	RequestID string          `json:"request_id"`
	Topic     string          `json:"topic"`
	TaskID    int64           `json:"task_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// AckPayload answers a publish.
type AckPayload struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// EventPayload is an inbound event.
type EventPayload struct {
	Kind      string          `json:"kind"`
	ThreadID  string          `json:"thread_id,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageBody is the body of TopicSendMessage and EventMessage.
type MessageBody struct {
	ThreadID    string   `json:"thread_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ReplyTo     string   `json:"reply_to,omitempty"`
}

// EditBody is the body of TopicEditMessage.
type EditBody struct {
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// ReactionBody is the body of TopicReaction. An empty Reaction clears it.
type ReactionBody struct {
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// TypingBody is the body of TopicTyping and EventTyping.
type TypingBody struct {
	ThreadID string `json:"thread_id"`
	Typing   bool   `json:"typing"`
}

// MarkReadBody is the body of TopicMarkRead.
type MarkReadBody struct {
	ThreadID string    `json:"thread_id"`
	Upto     time.Time `json:"upto,omitempty"`
}
