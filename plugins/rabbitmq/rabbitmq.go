// Package rabbitmq provides the "rabbitmq" broker using amqp091-go.
//
// Publishing uses a dedicated channel in confirm mode: Publish returns the
// generated AMQP message-id once the server confirmed the message. A topic
// is the routing key on the configured exchange (the default exchange routes
// it to the queue of the same name). A subscription is a queue name; each
// subscription consumes on its own channel with manual acks. Queues must
// exist unless declaration is enabled.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "rabbitmq"

// ErrPublishNacked is wrapped by a PublishError when the server refused a message.
var ErrPublishNacked = errors.New("server nacked the publish")

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker for RabbitMQ.
type Broker struct {
	conn *amqp.Connection
	cfg  broker.Config
	opts options
	log  zerolog.Logger
	subs *core.Subscriptions

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu     sync.RWMutex
	closed bool
}

// New dials the AMQP URI in cfg.Brokers[0] and opens the publishing channel.
func New(cfg broker.Config, fns ...Option) (*Broker, error) {
	if err := broker.RequireBrokers(Tag, cfg); err != nil {
		return nil, err
	}
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	conn, err := amqp.Dial(cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("relay/rabbitmq: dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay/rabbitmq: open channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay/rabbitmq: enable confirms: %w", err)
	}
	if opts.exchange != "" && opts.declare {
		if err := pub.ExchangeDeclare(opts.exchange, opts.exchangeType, opts.durable, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("relay/rabbitmq: declare exchange %q: %w", opts.exchange, err)
		}
	}

	return &Broker{
		conn: conn,
		pub:  pub,
		cfg:  cfg,
		opts: opts,
		log:  cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		subs: core.NewSubscriptions(),
	}, nil
}

func (b *Broker) Provider() string { return Tag }

// Publish sends msg with routing key topic and waits for the server confirm.
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
	p := publishing(data, attrs, b.opts.persistent)

	b.pubMu.Lock()
	dc, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, b.opts.exchange, topic, false, false, p)
	b.pubMu.Unlock()
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	if !acked {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: ErrPublishNacked}
	}
	return p.MessageId, nil
}

func publishing(data []byte, attrs map[string]string, persistent bool) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range attrs {
		headers[k] = v
	}
	p := amqp.Publishing{
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		ContentType: attrs[core.AttrContentType],
		Headers:     headers,
		Body:        data,
	}
	if persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return p
}

// Subscribe opens a channel for the queue and starts consuming.
func (b *Broker) Subscribe(_ context.Context, subscription string, h core.Handler) error {
	br, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}

	ch, err := b.openQueue(subscription)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	tag := "relay-" + uuid.NewString()
	deliveries, err := ch.Consume(subscription, tag, false, b.opts.exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	c := &consumer{
		bridge:  br,
		requeue: b.opts.requeueOnNack,
		workers: b.opts.workers,
		log:     b.log.With().Str(log.FieldSubscription, subscription).Logger(),
	}
	replaced, err := b.subs.Start(subscription, func(ctx context.Context) {
		defer ch.Close()
		c.run(ctx, deliveries, func() error { return ch.Cancel(tag, false) })
	})
	if err != nil {
		ch.Close()
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if replaced {
		c.log.Warn().Msg("replacing existing registration")
	}
	return nil
}

func (b *Broker) openQueue(queue string) (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(b.opts.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	if !b.opts.declare {
		if _, err := ch.QueueDeclarePassive(queue, b.opts.durable, b.opts.autoDelete, b.opts.exclusive, false, nil); err != nil {
			var ae *amqp.Error
			if errors.As(err, &ae) && ae.Code == amqp.NotFound {
				return nil, fmt.Errorf("%w: %v", core.ErrUnknownSubscription, err)
			}
			return nil, err
		}
		return ch, nil
	}

	q, err := ch.QueueDeclare(queue, b.opts.durable, b.opts.autoDelete, b.opts.exclusive, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if b.opts.exchange != "" {
		key := q.Name
		if b.opts.routingKey != "" {
			key = b.opts.routingKey
		}
		if err := ch.QueueBind(q.Name, key, b.opts.exchange, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("bind queue: %w", err)
		}
	}
	return ch, nil
}

// Close stops all consumers and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.subs.Close()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("relay/rabbitmq: close connection: %w", err)
	}
	return nil
}

type consumer struct {
	bridge  *core.Bridge
	requeue bool
	workers int
	log     zerolog.Logger
}

// run delivers from deliveries on workers goroutines until ctx is done or
// the channel closes. cancel stops the server-side consumer.
func (c *consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, cancel func() error) {
	var wg sync.WaitGroup
	for range c.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.bridge.Deliver(ctx, &envelope{delivery: d, requeue: c.requeue})
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		if err := cancel(); err != nil {
			c.log.Debug().Err(err).Msg("cancel consumer")
		}
		<-done
	case <-done:
		c.log.Warn().Msg("delivery channel closed")
	}
}
