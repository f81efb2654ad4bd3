package messaging

import (
	"context"
	"sync"

	"github.com/qudata/fleet-agent/internal/message"
)

// Handler receives inbound messages it accepts, in registration order.
type Handler interface {
	Accept(m *message.Message, queue string) bool
	Handle(ctx context.Context, m *message.Message) error
}

// HandlerFunc handles a single message name.
type HandlerFunc func(ctx context.Context, m *message.Message) error

// Router is a dispatch table from message name to HandlerFunc. Names
// without a route are not accepted.
type Router struct {
	mu     sync.RWMutex
	routes map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{routes: map[string]HandlerFunc{}}
}

// Register binds name to fn, replacing any previous binding.
func (r *Router) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = fn
}

func (r *Router) Accept(m *message.Message, _ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[m.Name]
	return ok
}

func (r *Router) Handle(ctx context.Context, m *message.Message) error {
	r.mu.RLock()
	fn, ok := r.routes[m.Name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return fn(ctx, m)
}
