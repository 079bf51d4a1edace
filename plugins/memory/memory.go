// Package memory provides the "memory" broker: an in-process transport with
// its own delivery goroutines. Subscriptions are declared up front and bound
// to a topic pattern (core.DefaultMatcher syntax); Publish fans a message out
// to every matching subscription's queue. Nacked messages are redelivered
// until max_deliver attempts were made. Nothing is persisted.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "memory"

// AttrDeliveryAttempt carries the 1-based delivery attempt of an envelope.
const AttrDeliveryAttempt = "delivery-attempt"

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker in process.
type Broker struct {
	cfg  broker.Config
	opts options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	name    string
	pattern string
	queue   chan *envelope
	bridge  atomic.Pointer[core.Bridge]
	start   sync.Once

	acked  atomic.Int64
	nacked atomic.Int64
}

// Stats reports settled deliveries of one subscription.
type Stats struct {
	Acked   int64
	Nacked  int64
	Backlog int
}

// New creates an in-process Broker.
func New(cfg broker.Config, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.workers < 1 {
		return nil, &core.ConfigurationError{Provider: Tag, Field: "workers", Reason: "must be at least 1"}
	}
	if opts.maxDeliver < 1 {
		return nil, &core.ConfigurationError{Provider: Tag, Field: "max_deliver", Reason: "must be at least 1"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:    cfg,
		opts:   opts,
		log:    cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
	for name, pattern := range opts.subscriptions {
		if err := b.CreateSubscription(name, pattern); err != nil {
			cancel()
			return nil, &core.ConfigurationError{Provider: Tag, Field: "subscriptions", Err: err}
		}
	}
	return b, nil
}

func (b *Broker) Provider() string { return Tag }

// CreateSubscription declares a subscription receiving every topic matching
// pattern. Messages published before a handler is registered are queued.
func (b *Broker) CreateSubscription(name, pattern string) error {
	if name == "" || pattern == "" {
		return fmt.Errorf("relay/memory: subscription name and topic pattern are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrBrokerClosed
	}
	if _, ok := b.subs[name]; ok {
		return fmt.Errorf("relay/memory: subscription %q already exists", name)
	}
	b.subs[name] = &subscription{
		name:    name,
		pattern: pattern,
		queue:   make(chan *envelope, b.opts.queueSize),
	}
	return nil
}

// Publish encodes msg and enqueues it on every subscription whose pattern
// matches topic. It returns once every queue accepted the message.
func (b *Broker) Publish(ctx context.Context, topic string, msg any) (id string, err error) {
	defer func() { metrics.IncPublish(Tag, err) }()

	data, attrs, err := core.Marshal(msg)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: core.ErrBrokerClosed}
	}
	var targets []*subscription
	for _, s := range b.subs {
		if b.opts.matcher.Match(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	id = uuid.NewString()
	now := time.Now()
	for _, s := range targets {
		env := &envelope{
			id:          id,
			data:        bytes.Clone(data),
			attrs:       maps.Clone(attrs),
			publishTime: now,
			attempt:     1,
			sub:         s,
			broker:      b,
		}
		select {
		case s.queue <- env:
		case <-ctx.Done():
			return "", &core.PublishError{Provider: Tag, Topic: topic, Err: ctx.Err()}
		case <-b.ctx.Done():
			return "", &core.PublishError{Provider: Tag, Topic: topic, Err: core.ErrBrokerClosed}
		}
	}
	if len(targets) == 0 {
		b.log.Debug().Str(log.FieldTopic, topic).Str(log.FieldMessageID, id).Msg("no subscription matches topic, message dropped")
	}
	return id, nil
}

// Subscribe binds h to a declared subscription and starts its delivery
// goroutines. Registering again swaps the handler in place.
func (b *Broker) Subscribe(_ context.Context, name string, h core.Handler) error {
	br, err := core.NewBridge(name, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: name, Err: core.ErrBrokerClosed}
	}
	s, ok := b.subs[name]
	if !ok {
		return &core.SubscribeError{Provider: Tag, Subscription: name, Err: core.ErrUnknownSubscription}
	}

	if prev := s.bridge.Swap(br); prev != nil {
		b.log.Warn().Str(log.FieldSubscription, name).Msg("replacing existing registration")
	}
	s.start.Do(func() {
		for range b.opts.workers {
			b.wg.Add(1)
			go b.deliver(s)
		}
	})
	return nil
}

// deliver is one delivery goroutine of a subscription.
func (b *Broker) deliver(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-s.queue:
			s.bridge.Load().Deliver(b.ctx, env)
		}
	}
}

func (b *Broker) redeliver(env *envelope) {
	if env.attempt >= b.opts.maxDeliver {
		b.log.Warn().
			Str(log.FieldSubscription, env.sub.name).
			Str(log.FieldMessageID, env.id).
			Int(log.FieldAttempt, env.attempt).
			Msg("max deliveries reached, message dropped")
		return
	}
	next := env.retry()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case env.sub.queue <- next:
		case <-b.ctx.Done():
		}
	}()
}

// Stats returns delivery counters for subscription.
func (b *Broker) Stats(name string) (Stats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[name]
	if !ok {
		return Stats{}, false
	}
	return Stats{Acked: s.acked.Load(), Nacked: s.nacked.Load(), Backlog: len(s.queue)}, true
}

// Close stops the delivery goroutines and waits for in-flight deliveries.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// envelope is one delivery attempt of a message on a subscription.
type envelope struct {
	id          string
	data        []byte
	attrs       map[string]string
	publishTime time.Time
	attempt     int
	sub         *subscription
	broker      *Broker
}

func (e *envelope) ID() string             { return e.id }
func (e *envelope) Data() []byte           { return e.data }
func (e *envelope) PublishTime() time.Time { return e.publishTime }

func (e *envelope) Attributes() map[string]string {
	attrs := make(map[string]string, len(e.attrs)+1)
	maps.Copy(attrs, e.attrs)
	attrs[AttrDeliveryAttempt] = strconv.Itoa(e.attempt)
	return attrs
}

func (e *envelope) Ack() error {
	e.sub.acked.Add(1)
	return nil
}

// Nack schedules a redelivery as a new envelope.
func (e *envelope) Nack() error {
	e.sub.nacked.Add(1)
	e.broker.redeliver(e)
	return nil
}

func (e *envelope) retry() *envelope {
	next := *e
	next.attempt++
	return &next
}
