package core

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Router keeps the subscription table of a service: one handler per
// subscription plus global middleware. It registers everything with the
// broker in one step at startup.
type Router struct {
	broker      Broker
	middlewares []MiddlewareFunc
	routes      map[string]Handler
	mu          sync.RWMutex
	started     bool
}

// New creates a Router bound to the given Broker.
func New(b Broker) *Router {
	return &Router{
		broker: b,
		routes: make(map[string]Handler),
	}
}

// Use registers global middleware. Given [A, B] the call order is
// A -> B -> handler.
func (r *Router) Use(m MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, m)
}

// Handle registers a handler for a subscription. A later call for the same
// subscription replaces the earlier one.
//
//	r.Handle("meetings-notifier", core.Suspending(core.Typed(func(ctx context.Context, inv Invite) error {
//	    return notifier.Send(ctx, inv)
//	})))
func (r *Router) Handle(subscription string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[subscription] = h
}

// Publish sends a message to the given topic through the broker.
func (r *Router) Publish(ctx context.Context, topic string, msg any) (string, error) {
	return r.broker.Publish(ctx, topic, msg)
}

// Register subscribes every route with the broker. It returns the first
// registration error; routes registered before the failure stay active
// until the broker is closed.
func (r *Router) Register(ctx context.Context) error {
	r.mu.Lock()
	if r.broker == nil {
		r.mu.Unlock()
		return ErrNoBroker
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true

	routes := make(map[string]Handler, len(r.routes))
	for k, v := range r.routes {
		routes[k] = v
	}
	mws := make([]MiddlewareFunc, len(r.middlewares))
	copy(mws, r.middlewares)
	broker := r.broker
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for subscription, h := range routes {
		wrapped := h.With(mws...)
		g.Go(func() error {
			return broker.Subscribe(gctx, subscription, wrapped)
		})
	}
	return g.Wait()
}

// Start registers all routes, then blocks until ctx is cancelled and closes
// the broker.
func (r *Router) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.broker.Close()
}
