package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// DefaultHandlerTimeout bounds how long a delivery goroutine waits for a
// handed-off handler.
const DefaultHandlerTimeout = 30 * time.Second

// Bridge moves one subscription's deliveries from transport goroutines to the
// registered handler and settles every envelope exactly once.
//
// Sync handlers run on the delivery goroutine. Suspending handlers are
// submitted to the Loop and the delivery goroutine waits for the completion
// handle, bounded by the timeout. A timed-out task is not cancelled: it keeps
// running on the loop and its result is discarded. Its envelope is already
// nacked, so the transport may redeliver the message while the first run is
// still in flight; handlers with side effects must be idempotent.
type Bridge struct {
	subscription string
	provider     string
	handler      Handler
	loop         *Loop
	timeout      time.Duration
	log          zerolog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithLoop sets the Loop that runs suspending handlers.
func WithLoop(l *Loop) BridgeOption {
	return func(b *Bridge) { b.loop = l }
}

// WithTimeout sets the hand-off wait bound. Non-positive values keep the default.
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l zerolog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// WithProvider records the provider tag in bridge logs.
func WithProvider(tag string) BridgeOption {
	return func(b *Bridge) { b.provider = tag }
}

// NewBridge classifies h and binds it to subscription. Suspending handlers
// require a Loop.
func NewBridge(subscription string, h Handler, opts ...BridgeOption) (*Bridge, error) {
	b := &Bridge{
		subscription: subscription,
		handler:      h,
		timeout:      DefaultHandlerTimeout,
		log:          log.WithComponent("bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := h.Validate(b.provider, subscription); err != nil {
		return nil, err
	}
	if h.Mode() == ModeSuspending && b.loop == nil {
		return nil, &SubscribeError{Provider: b.provider, Subscription: subscription, Err: ErrNoLoop}
	}
	b.log = b.log.With().
		Str(log.FieldSubscription, subscription).
		Str(log.FieldMode, h.Mode().String()).
		Str(log.FieldProvider, b.provider).
		Logger()
	return b, nil
}

// Subscription returns the subscription name the bridge serves.
func (b *Bridge) Subscription() string { return b.subscription }

// Mode returns the registered handler's mode.
func (b *Bridge) Mode() Mode { return b.handler.Mode() }

// Deliver runs the handler for env and settles it. It is called synchronously
// by the transport's delivery goroutine, never panics and returns only after
// env was acked or nacked.
func (b *Bridge) Deliver(ctx context.Context, env Envelope) {
	g := Guard(env)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str(log.FieldMessageID, g.ID()).Msg("bridge panicked while settling")
			_ = g.Nack()
		}
	}()

	err := b.run(ctx, g)
	b.settle(g, err)
	metrics.ObserveDelivery(b.subscription, b.handler.Mode().String(), g.State().String(), time.Since(start))
}

func (b *Bridge) run(ctx context.Context, g *GuardedEnvelope) error {
	if b.handler.Mode() == ModeSuspending {
		return b.handOff(ctx, g)
	}
	return b.runSync(ctx, g)
}

func (b *Bridge) runSync(ctx context.Context, g *GuardedEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			b.log.Error().Interface("panic", r).Bytes("stack", buf[:n]).Str(log.FieldMessageID, g.ID()).Msg("handler panicked")
			err = b.failure(g, ReasonPanic, &panicError{value: r})
		}
	}()
	if herr := b.handler.fn(WithSubscription(ctx, b.subscription), g); herr != nil {
		return b.failure(g, ReasonError, herr)
	}
	return nil
}

func (b *Bridge) handOff(ctx context.Context, g *GuardedEnvelope) error {
	if OnLoop(ctx) {
		return b.failure(g, ReasonLoop, ErrDispatchOnLoop)
	}

	// The deadline covers queueing as well as running: a full loop queue
	// must not hold the delivery goroutine past the timeout.
	waitCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	fn, subscription := b.handler.fn, b.subscription
	done, err := b.loop.Submit(waitCtx, func(loopCtx context.Context) error {
		return fn(WithSubscription(loopCtx, subscription), g)
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return b.failure(g, ReasonCanceled, err)
		case errors.Is(err, context.DeadlineExceeded):
			return b.failure(g, ReasonTimeout, fmt.Errorf("%w after %s waiting for the loop", ErrHandlerTimeout, b.timeout))
		}
		return b.failure(g, ReasonLoop, err)
	}

	select {
	case herr := <-done:
		switch {
		case herr == nil:
			return nil
		case errors.Is(herr, ErrLoopStopped):
			return b.failure(g, ReasonLoop, herr)
		default:
			var pe *panicError
			if errors.As(herr, &pe) {
				return b.failure(g, ReasonPanic, herr)
			}
			return b.failure(g, ReasonError, herr)
		}
	case <-waitCtx.Done():
		go b.discardLate(g.ID(), done)
		if ctx.Err() != nil {
			return b.failure(g, ReasonCanceled, ctx.Err())
		}
		return b.failure(g, ReasonTimeout, fmt.Errorf("%w after %s", ErrHandlerTimeout, b.timeout))
	}
}

// discardLate drains the completion handle of a task whose delivery already
// gave up. The loop always resolves the handle, so this returns.
func (b *Bridge) discardLate(messageID string, done <-chan error) {
	err := <-done
	metrics.IncLateCompletion(b.subscription)
	ev := b.log.Debug().Str(log.FieldMessageID, messageID)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("late handler result discarded")
}

func (b *Bridge) failure(g *GuardedEnvelope, reason FailureReason, err error) error {
	return &HandlerFailure{
		Subscription: b.subscription,
		MessageID:    g.ID(),
		Reason:       reason,
		Err:          err,
	}
}

func (b *Bridge) settle(g *GuardedEnvelope, err error) {
	if err == nil {
		if aerr := g.Ack(); aerr != nil && !errors.Is(aerr, ErrAlreadySettled) {
			b.log.Error().Err(aerr).Str(log.FieldMessageID, g.ID()).Msg("ack failed")
		}
		return
	}

	var hf *HandlerFailure
	reason := ReasonError
	if errors.As(err, &hf) {
		reason = hf.Reason
	}
	metrics.IncHandlerFailure(b.subscription, string(reason))
	b.log.Warn().
		Err(err).
		Str(log.FieldMessageID, g.ID()).
		Str(log.FieldReason, string(reason)).
		Msg("handler failed, nacking message")

	if nerr := g.Nack(); nerr != nil {
		if errors.Is(nerr, ErrAlreadySettled) {
			b.log.Debug().Str(log.FieldMessageID, g.ID()).Str(log.FieldOutcome, g.State().String()).
				Msg("handler settled the message itself")
			return
		}
		b.log.Error().Err(nerr).Str(log.FieldMessageID, g.ID()).Msg("nack failed")
	}
}
