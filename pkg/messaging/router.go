package messaging

import (
	"context"
	"fmt"
	"sync"
)

// Router dispatches requests to the handler registered for their type.
type Router struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[MessageType]Handler)}
}

// Handle registers h for t, replacing any earlier handler.
func (rt *Router) Handle(t MessageType, h Handler) *Router {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.handlers[t] = h
	return rt
}

// Dispatch is a Handler.
func (rt *Router) Dispatch(ctx context.Context, msg Message, sender []byte) Reply {
	rt.mu.RLock()
	h, ok := rt.handlers[msg.Type]
	rt.mu.RUnlock()

	if !ok {
		return Failure(fmt.Errorf("no handler for message type %q", msg.Type))
	}
	return h(ctx, msg, sender)
}
