// Package noop provides the "noop" broker: the same contract as a real
// provider with no transport behind it. Publish accepts and discards every
// message and Subscribe registers handlers that are never invoked. It exists
// for local development without a live transport; Provider() returns "noop"
// and construction and every registration log a warning so the stub is
// visible in logs.
package noop

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "noop"

// IDPrefix marks message ids issued by the stub.
const IDPrefix = "noop-"

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg), nil
	})
}

// Broker implements core.Broker without a transport.
type Broker struct {
	cfg broker.Config
	log zerolog.Logger

	mu      sync.Mutex
	closed  bool
	handled map[string]core.Handler
}

// New creates a noop Broker.
func New(cfg broker.Config) *Broker {
	b := &Broker{
		cfg:     cfg,
		log:     cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		handled: make(map[string]core.Handler),
	}
	b.log.Warn().Msg("noop broker in use: messages are discarded and handlers never run")
	return b
}

func (b *Broker) Provider() string { return Tag }

// Publish validates and encodes msg, then discards it. The returned id is
// prefixed with IDPrefix.
func (b *Broker) Publish(_ context.Context, topic string, msg any) (id string, err error) {
	defer func() { metrics.IncPublish(Tag, err) }()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: core.ErrBrokerClosed}
	}
	if _, _, err := core.Marshal(msg); err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	id = IDPrefix + uuid.NewString()
	b.log.Debug().Str(log.FieldTopic, topic).Str(log.FieldMessageID, id).Msg("message discarded")
	return id, nil
}

// Subscribe validates h the way a real provider would and records it. The
// handler is never called.
func (b *Broker) Subscribe(_ context.Context, subscription string, h core.Handler) error {
	if _, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}
	if _, ok := b.handled[subscription]; ok {
		b.log.Warn().Str(log.FieldSubscription, subscription).Msg("replacing existing registration")
	}
	b.handled[subscription] = h
	b.log.Warn().Str(log.FieldSubscription, subscription).Msg("noop subscription registered; no messages will be delivered")
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
