// Package kafka provides the "kafka" broker using segmentio/kafka-go.
//
// One kafka.Writer is shared by all Publish calls and waits for every
// in-sync replica (RequireAll) before returning. Each message carries a
// generated id in the AttrMessageID header, which Publish returns.
//
// A subscription is "topic/group", or a bare topic consumed with
// Config.Group. Each subscription runs one consumer-group reader. Ack commits
// the offset. Kafka has no per-message negative ack, so a nacked message is
// redelivered locally up to max_deliver times; after that the reader moves on
// and the next commit passes it.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "kafka"

// AttrMessageID is the header carrying the id Publish returns.
const AttrMessageID = "relay-message-id"

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg, optsFromConfig(cfg)...)
	})
}

// reader is the part of *kafka.Reader a subscription uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Broker implements core.Broker for Apache Kafka.
type Broker struct {
	cfg    broker.Config
	opts   options
	log    zerolog.Logger
	writer *kafka.Writer
	subs   *core.Subscriptions

	// newReader is replaced in tests.
	newReader func(kafka.ReaderConfig) reader

	mu     sync.RWMutex
	closed bool
}

// New creates a Kafka Broker for cfg.Brokers. No connection is made until
// the first Publish or Subscribe.
func New(cfg broker.Config, fns ...Option) (*Broker, error) {
	if err := broker.RequireBrokers(Tag, cfg); err != nil {
		return nil, err
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.maxDeliver < 1 {
		return nil, &core.ConfigurationError{Provider: Tag, Field: "max_deliver", Reason: "must be at least 1"}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     opts.balancer,
		BatchSize:    opts.batchSize,
		BatchTimeout: opts.batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if opts.dialer != nil {
		w.Transport = &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
	}

	return &Broker{
		cfg:    cfg,
		opts:   opts,
		log:    cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		writer: w,
		subs:   core.NewSubscriptions(),
		newReader: func(rc kafka.ReaderConfig) reader {
			return kafka.NewReader(rc)
		},
	}, nil
}

func (b *Broker) Provider() string { return Tag }

// Publish writes msg to topic and returns its generated id.
func (b *Broker) Publish(ctx context.Context, topic string, msg any) (id string, err error) {
	defer func() { metrics.IncPublish(Tag, err) }()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: core.ErrBrokerClosed}
	}

	data, attrs, err := core.Marshal(msg)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	id = uuid.NewString()
	km := kafka.Message{
		Topic:   topic,
		Value:   data,
		Headers: append(toHeaders(attrs), kafka.Header{Key: AttrMessageID, Value: []byte(id)}),
	}
	if key, ok := attrs[b.opts.keyAttr]; ok && b.opts.keyAttr != "" {
		km.Key = []byte(key)
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	return id, nil
}

func (b *Broker) parseSubscription(subscription string) (topic, group string, err error) {
	topic, group, ok := strings.Cut(subscription, "/")
	if !ok {
		group = b.cfg.Group
	}
	if topic == "" || group == "" {
		return "", "", fmt.Errorf("want \"topic/group\" or a configured group, got %q", subscription)
	}
	return topic, group, nil
}

// Subscribe starts a consumer-group reader for the subscription.
func (b *Broker) Subscribe(_ context.Context, subscription string, h core.Handler) error {
	br, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}
	topic, group, err := b.parseSubscription(subscription)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}

	rc := kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    b.opts.minBytes,
		MaxBytes:    b.opts.maxBytes,
		MaxWait:     b.opts.maxWait,
		StartOffset: b.opts.startOffset,
	}
	if b.opts.dialer != nil {
		rc.Dialer = b.opts.dialer
	}

	c := &consumer{
		bridge:     br,
		maxDeliver: b.opts.maxDeliver,
		backoff:    b.opts.retryBackoff,
		log:        b.log.With().Str(log.FieldSubscription, subscription).Logger(),
	}
	replaced, err := b.subs.Start(subscription, func(ctx context.Context) {
		r := b.newReader(rc)
		defer r.Close()
		c.run(ctx, r)
	})
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if replaced {
		c.log.Warn().Msg("replacing existing registration")
	}
	return nil
}

// Close stops all readers and flushes the writer.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.subs.Close()
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("relay/kafka: close writer: %w", err)
	}
	return nil
}

type consumer struct {
	bridge     *core.Bridge
	maxDeliver int
	backoff    time.Duration
	log        zerolog.Logger
}

// run fetches messages until ctx is done. A message is delivered again while
// it is nacked and attempts remain.
func (c *consumer) run(ctx context.Context, r reader) {
	for {
		raw, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.log.Error().Err(err).Msg("fetch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for attempt := 1; ; attempt++ {
			env := &envelope{raw: raw, commit: r, attempt: attempt}
			c.bridge.Deliver(ctx, env)
			if !env.nacked.Load() {
				break
			}
			if attempt >= c.maxDeliver || ctx.Err() != nil {
				c.log.Warn().
					Str(log.FieldMessageID, env.ID()).
					Int(log.FieldAttempt, attempt).
					Msg("giving up on nacked message")
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
		}
	}
}

// toHeaders converts a string map to Kafka headers.
func toHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(h)+1)
	for k, v := range h {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
