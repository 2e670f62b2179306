package realtime

import (
	"encoding/json"
	"time"

	v1 "msgrlink/contracts/realtime/v1"
)

// EventKind classifies an Event.
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventTyping
	EventPresence
	EventGroupChange
	EventError
	EventReconnect
	EventHeartbeat
	EventSafetyAlert
	EventRefresh
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventTyping:
		return "typing"
	case EventPresence:
		return "presence"
	case EventGroupChange:
		return "groupChange"
	case EventError:
		return "error"
	case EventReconnect:
		return "reconnect"
	case EventHeartbeat:
		return "heartbeat"
	case EventSafetyAlert:
		return "safetyAlert"
	case EventRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Transport events fill the thread fields and Body;
// lifecycle events fill Attempt, Delay, Reason, or Err.
type Event struct {
	Kind EventKind
	Time time.Time

	ThreadID  string
	SenderID  string
	MessageID string
	Body      json.RawMessage

	Attempt int
	Delay   time.Duration
	Reason  string
	Err     error
}

// Listener receives events inline. It must not block for long: the next frame
// is not read until it returns.
type Listener func(Event)

func kindFromWire(kind string) (EventKind, bool) {
	switch kind {
	case v1.EventMessage:
		return EventMessage, true
	case v1.EventTyping:
		return EventTyping, true
	case v1.EventPresence:
		return EventPresence, true
	case v1.EventGroupChange:
		return EventGroupChange, true
	default:
		return 0, false
	}
}
