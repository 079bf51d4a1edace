package core

import "context"

// HandlerFunc processes one delivered envelope. Returning an error (or
// panicking) nacks the envelope; returning nil acks it.
//
//	core.Sync(func(ctx context.Context, env core.Envelope) error {
//	    var invite Invite
//	    if err := core.Unmarshal(env.Data(), &invite); err != nil {
//	        return err
//	    }
//	    return notify(ctx, invite)
//	})
type HandlerFunc func(ctx context.Context, env Envelope) error

// MiddlewareFunc wraps a HandlerFunc to add cross-cutting behavior.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Mode tells the bridge where a handler runs.
type Mode int

const (
	// ModeSync handlers run directly on the transport's delivery goroutine.
	ModeSync Mode = iota
	// ModeSuspending handlers are handed off to the Loop and awaited.
	ModeSuspending
)

func (m Mode) String() string {
	if m == ModeSuspending {
		return "suspending"
	}
	return "sync"
}

// Handler is a HandlerFunc classified once, at registration, as either
// synchronous or loop-bound.
type Handler struct {
	mode Mode
	fn   HandlerFunc
}

// Sync returns a handler that runs on the delivery goroutine. Use it for
// handlers that do not touch loop-owned state.
func Sync(fn HandlerFunc) Handler { return Handler{mode: ModeSync, fn: fn} }

// Suspending returns a handler that runs as a task on the Loop. The delivery
// goroutine blocks until it completes or the bridge timeout elapses.
func Suspending(fn HandlerFunc) Handler { return Handler{mode: ModeSuspending, fn: fn} }

// Mode returns the handler's execution mode.
func (h Handler) Mode() Mode { return h.mode }

// Func returns the underlying function.
func (h Handler) Func() HandlerFunc { return h.fn }

// Valid reports whether the handler has a function.
func (h Handler) Valid() bool { return h.fn != nil }

// With wraps the handler with middleware, keeping its mode. Given [A, B] the
// call order is A -> B -> handler.
func (h Handler) With(mws ...MiddlewareFunc) Handler {
	fn := h.fn
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return Handler{mode: h.mode, fn: fn}
}

// Typed adapts a function over a decoded message value into a HandlerFunc.
// Decode failures are returned as handler errors and nack the envelope.
func Typed[T any](fn func(ctx context.Context, msg T) error) HandlerFunc {
	return func(ctx context.Context, env Envelope) error {
		msg, err := Decode[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, msg)
	}
}

// Validate returns ErrNilHandler wrapped in a SubscribeError for handlers
// without a function.
func (h Handler) Validate(provider, subscription string) error {
	if !h.Valid() {
		return &SubscribeError{Provider: provider, Subscription: subscription, Err: ErrNilHandler}
	}
	return nil
}
