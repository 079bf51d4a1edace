package core

import "context"

// Broker defines the contract for message broker implementations.
// Each provider plugin implements it and registers a factory with package broker.
type Broker interface {
	// Provider returns the factory tag the broker was created with.
	Provider() string

	// Publish serializes msg, submits it to topic and blocks until the
	// transport accepted it. It returns the provider-assigned message id or
	// a *PublishError.
	Publish(ctx context.Context, topic string, msg any) (string, error)

	// Subscribe registers h for subscription and returns immediately.
	// Delivery continues until Close. A second registration for the same
	// subscription replaces the first. Rejections return a *SubscribeError.
	Subscribe(ctx context.Context, subscription string, h Handler) error

	// Close stops deliveries and releases the transport clients.
	Close() error
}
