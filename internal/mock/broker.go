package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/miladsoleymani/relay/core"
)

// Broker is a test double for core.Broker. Deliver runs a registered
// subscription's bridge on the calling goroutine, standing in for a
// transport delivery goroutine.
type Broker struct {
	Loop         *core.Loop
	SubscribeErr error
	PublishErr   error

	mu        sync.Mutex
	published []PublishedMessage
	bridges   map[string]*core.Bridge
	closed    bool
	seq       int
}

// PublishedMessage records a message sent through Publish.
type PublishedMessage struct {
	ID      string
	Topic   string
	Message any
}

func NewBroker() *Broker {
	return &Broker{
		bridges: make(map[string]*core.Bridge),
	}
}

func (b *Broker) Provider() string { return "mock" }

func (b *Broker) Publish(_ context.Context, topic string, msg any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return "", &core.PublishError{Provider: "mock", Topic: topic, Err: b.PublishErr}
	}
	b.seq++
	id := fmt.Sprintf("mock-%d", b.seq)
	b.published = append(b.published, PublishedMessage{ID: id, Topic: topic, Message: msg})
	return id, nil
}

func (b *Broker) Subscribe(_ context.Context, subscription string, h core.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return &core.SubscribeError{Provider: "mock", Subscription: subscription, Err: b.SubscribeErr}
	}
	var opts []core.BridgeOption
	if b.Loop != nil {
		opts = append(opts, core.WithLoop(b.Loop))
	}
	br, err := core.NewBridge(subscription, h, append(opts, core.WithProvider("mock"))...)
	if err != nil {
		return err
	}
	b.bridges[subscription] = br
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Deliver simulates an incoming message on a subscription.
func (b *Broker) Deliver(ctx context.Context, subscription string, env core.Envelope) error {
	b.mu.Lock()
	br, ok := b.bridges[subscription]
	b.mu.Unlock()
	if !ok {
		return core.ErrNoHandler
	}
	br.Deliver(ctx, env)
	return nil
}

// Subscribed reports whether a handler is registered for subscription.
func (b *Broker) Subscribed(subscription string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bridges[subscription]
	return ok
}

// Published returns all messages sent via Publish.
func (b *Broker) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// IsClosed reports whether Close was called.
func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
