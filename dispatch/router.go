package dispatch

import (
	"context"
	"fmt"

	"github.com/shipwright/outbox"
)

// Router sends each message to the dispatcher registered for its event type.
type Router struct {
	routes   map[outbox.EventType]outbox.Dispatcher
	fallback outbox.Dispatcher
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// Route registers d for eventType.
func Route(eventType outbox.EventType, d outbox.Dispatcher) RouterOption {
	return func(r *Router) {
		r.routes[eventType] = d
	}
}

// Fallback sets the dispatcher used for event types without a route.
// Without a fallback such messages fail and are retried.
func Fallback(d outbox.Dispatcher) RouterOption {
	return func(r *Router) {
		r.fallback = d
	}
}

// NewRouter creates a Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{routes: map[outbox.EventType]outbox.Dispatcher{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Dispatch(ctx context.Context, msg *outbox.Message) error {
	d, ok := r.routes[msg.EventType]
	if !ok {
		d = r.fallback
	}
	if d == nil {
		return fmt.Errorf("no dispatcher for event type %q", msg.EventType)
	}
	return d.Dispatch(ctx, msg)
}
