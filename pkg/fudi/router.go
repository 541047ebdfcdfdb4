package fudi

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc handles one incoming message. The returned value is formatted
// with FormatValue and sent back prefixed with the message id.
type HandlerFunc func(ctx context.Context, msg Message) (interface{}, error)

// Router dispatches messages on their verb (second atom)
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

// NewRouter creates an empty router whose default handler returns nothing
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers h for every verb in verbs
func (r *Router) Handle(h HandlerFunc, verbs ...string) error {
	if h == nil {
		return fmt.Errorf("handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, verb := range verbs {
		r.handlers[verb] = h
	}
	return nil
}

// SetDefault sets the handler used for unregistered verbs
func (r *Router) SetDefault(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Verbs returns the number of registered verbs
func (r *Router) Verbs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch runs the handler for msg and builds the reply. Handler errors
// and panics are answered with "<id> ERROR <description>".
func (r *Router) Dispatch(ctx context.Context, msg Message) (reply Message) {
	id := msg.ID()
	if len(msg) < 2 {
		return Message{id, "ERROR", "missing verb"}
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Verb()]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		return Message{id, FormatValue(nil)}
	}

	defer func() {
		if p := recover(); p != nil {
			reply = Message{id, "ERROR", FormatValue(fmt.Sprint(p))}
		}
	}()

	ret, err := h(ctx, msg)
	if err != nil {
		return Message{id, "ERROR", FormatValue(err.Error())}
	}
	return Message{id, FormatValue(ret)}
}
