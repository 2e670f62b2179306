package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	v1 "msgrlink/contracts/realtime/v1"
)

// Action is one named operation reachable through Handle.Do.
type Action interface {
	Do(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error)

func (f ActionFunc) Do(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, h, args)
}

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces name.
func (r *Registry) Register(name string, a Action) {
	r.mu.Lock()
	r.actions[name] = a
	r.mu.Unlock()
}

// Lookup returns the action for name.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

// Names lists the registered actions in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry holds the built-in actions.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register("sendMessage", ActionFunc(doSendMessage))
	DefaultRegistry.Register("editMessage", ActionFunc(doEditMessage))
	DefaultRegistry.Register("setMessageReaction", ActionFunc(doSetReaction))
	DefaultRegistry.Register("sendTypingIndicator", ActionFunc(doTyping))
	DefaultRegistry.Register("markAsRead", ActionFunc(doMarkRead))
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: empty", ErrBadArgs)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadArgs, err)
	}
	return nil
}

// doSendMessage waits for the queued send so Do reports its outcome.
func doSendMessage(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error) {
	var m v1.MessageBody
	if err := decodeArgs(args, &m); err != nil {
		return nil, err
	}
	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	if err := h.SendMessage(m.ThreadID, m, func(res json.RawMessage, err error) {
		done <- outcome{res, err}
	}); err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func doEditMessage(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error) {
	var b v1.EditBody
	if err := decodeArgs(args, &b); err != nil {
		return nil, err
	}
	return h.EditMessage(ctx, b.ThreadID, b.MessageID, b.Text)
}

func doSetReaction(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error) {
	var b v1.ReactionBody
	if err := decodeArgs(args, &b); err != nil {
		return nil, err
	}
	return h.SetReaction(ctx, b.ThreadID, b.MessageID, b.Reaction)
}

func doTyping(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error) {
	var b v1.TypingBody
	if err := decodeArgs(args, &b); err != nil {
		return nil, err
	}
	return nil, h.SendTyping(ctx, b.ThreadID, b.Typing)
}

func doMarkRead(ctx context.Context, h *Handle, args json.RawMessage) (json.RawMessage, error) {
	var b v1.MarkReadBody
	if err := decodeArgs(args, &b); err != nil {
		return nil, err
	}
	return nil, h.MarkRead(ctx, b.ThreadID, b.Upto)
}
