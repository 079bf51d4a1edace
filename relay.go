// Package relay is the top-level API of the relay message broker layer. It
// re-exports the core types so services can write:
//
//	loop := relay.NewLoop()
//	go loop.Run(ctx)
//
//	b, _ := broker.Open(broker.Config{Provider: "gcp", ProjectID: "p", Loop: loop})
//	r := relay.New(b)
//	r.Handle("meetings-notifier", relay.Suspending(relay.Typed(notify)))
//	r.Start(ctx)
package relay

import (
	"context"

	"github.com/miladsoleymani/relay/core"
)

type (
	Envelope       = core.Envelope
	Handler        = core.Handler
	HandlerFunc    = core.HandlerFunc
	MiddlewareFunc = core.MiddlewareFunc
	Broker         = core.Broker
	Router         = core.Router
	Loop           = core.Loop
)

// New creates a Router bound to the given Broker.
func New(b Broker) *Router {
	return core.New(b)
}

// NewLoop creates the scheduler that runs suspending handlers.
func NewLoop(opts ...core.LoopOption) *Loop {
	return core.NewLoop(opts...)
}

// Sync wraps fn as a handler run on the transport's delivery goroutine.
func Sync(fn HandlerFunc) Handler { return core.Sync(fn) }

// Suspending wraps fn as a handler run on the Loop.
func Suspending(fn HandlerFunc) Handler { return core.Suspending(fn) }

// Typed decodes each message into T before calling fn.
func Typed[T any](fn func(ctx context.Context, msg T) error) HandlerFunc {
	return core.Typed(fn)
}
