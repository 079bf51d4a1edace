package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("relay: broker is closed")

	// ErrUnknownProvider is wrapped by a ConfigurationError for unregistered provider tags.
	ErrUnknownProvider = errors.New("relay: unknown provider")

	// ErrNilHandler is returned when a handler has no function.
	ErrNilHandler = errors.New("relay: handler is nil")

	// ErrNoLoop is returned when a suspending handler is registered without a Loop.
	ErrNoLoop = errors.New("relay: suspending handler requires a loop")

	// ErrLoopStopped is returned for tasks submitted to, or pending on, a stopped Loop.
	ErrLoopStopped = errors.New("relay: loop is stopped")

	// ErrLoopRunning is returned when Run is called on a Loop that already ran.
	ErrLoopRunning = errors.New("relay: loop already running")

	// ErrHandlerTimeout is wrapped by a HandlerFailure when a handed-off handler
	// does not complete in time.
	ErrHandlerTimeout = errors.New("relay: handler timed out")

	// ErrAlreadySettled is returned by a guarded envelope once Ack or Nack happened.
	ErrAlreadySettled = errors.New("relay: envelope already settled")

	// ErrDispatchOnLoop is returned when a delivery is attempted from the loop goroutine.
	ErrDispatchOnLoop = errors.New("relay: delivery attempted from the loop goroutine")

	// ErrUnknownSubscription is wrapped by a SubscribeError when the transport
	// has no such subscription.
	ErrUnknownSubscription = errors.New("relay: subscription does not exist")

	// ErrNoHandler is returned when no handler matches a subscription.
	ErrNoHandler = errors.New("relay: no handler registered for subscription")

	// ErrAlreadyStarted is returned when Start is called on a running router.
	ErrAlreadyStarted = errors.New("relay: router already started")

	// ErrNoBroker is returned when a router is created without a broker.
	ErrNoBroker = errors.New("relay: broker is nil")
)

// ConfigurationError reports invalid or missing provider parameters at
// construction time. It is fatal to startup.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("relay: configure %q", e.Provider)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PublishError reports that the transport (or serialization) rejected a publish.
type PublishError struct {
	Provider string
	Topic    string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("relay/%s: publish to %q: %v", e.Provider, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubscribeError reports that a subscription registration was rejected.
type SubscribeError struct {
	Provider     string
	Subscription string
	Err          error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("relay/%s: subscribe %q: %v", e.Provider, e.Subscription, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// FailureReason classifies a HandlerFailure.
type FailureReason string

const (
	ReasonError    FailureReason = "error"
	ReasonPanic    FailureReason = "panic"
	ReasonTimeout  FailureReason = "timeout"
	ReasonLoop     FailureReason = "loop"
	ReasonCanceled FailureReason = "canceled"
)

// HandlerFailure is produced by the bridge when a handler fails or its
// hand-off times out. It is always resolved to a Nack and never escapes
// the delivery goroutine.
type HandlerFailure struct {
	Subscription string
	MessageID    string
	Reason       FailureReason
	Err          error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("relay: handler for %q failed on message %q (%s): %v",
		e.Subscription, e.MessageID, e.Reason, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }
