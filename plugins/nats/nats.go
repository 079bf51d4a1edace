// Package nats provides the "nats" broker on NATS JetStream.
//
// Publish waits for the stream's PubAck and returns "<stream>:<sequence>".
// A subscription names a durable consumer as "stream/consumer"; a bare name
// uses extra.stream as the stream. Consumers are expected to exist unless
// provisioning is enabled, in which case Subscribe creates or updates an
// explicit-ack durable consumer. Nack asks the server to redeliver, bounded
// by the consumer's MaxDeliver.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "nats"

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker for NATS JetStream.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  broker.Config
	opts options
	log  zerolog.Logger
	subs *core.Subscriptions

	mu     sync.RWMutex
	closed bool
}

// New connects to the servers listed in cfg.Brokers. cfg.Credentials, when
// set, is a NATS user credentials file.
func New(cfg broker.Config, fns ...Option) (*Broker, error) {
	if err := broker.RequireBrokers(Tag, cfg); err != nil {
		return nil, err
	}
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	natsOpts := []nats.Option{nats.Name(opts.name)}
	if cfg.Credentials != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(cfg.Credentials))
	}
	url := strings.Join(cfg.Brokers, ",")
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("relay/nats: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay/nats: init jetstream: %w", err)
	}

	return &Broker{
		conn: nc,
		js:   js,
		cfg:  cfg,
		opts: opts,
		log:  cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		subs: core.NewSubscriptions(),
	}, nil
}

func (b *Broker) Provider() string { return Tag }

// EnsureStream creates or updates a stream capturing subjects, using the
// stream options the broker was built with.
func (b *Broker) EnsureStream(ctx context.Context, name string, subjects ...string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		MaxMsgs:   b.opts.maxMsgs,
		MaxBytes:  b.opts.maxBytes,
		MaxAge:    b.opts.maxAge,
		Replicas:  b.opts.replicas,
		Retention: b.opts.retention,
		Storage:   b.opts.storage,
	})
	if err != nil {
		return fmt.Errorf("relay/nats: ensure stream %q: %w", name, err)
	}
	return nil
}

// Publish sends msg to the subject topic and waits for the stream's ack.
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
	nm := &nats.Msg{
		Subject: topic,
		Data:    data,
		Header:  nats.Header{},
	}
	for k, v := range attrs {
		nm.Header.Set(k, v)
	}

	ack, err := b.js.PublishMsg(ctx, nm, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	return messageID(ack.Stream, ack.Sequence), nil
}

func messageID(stream string, seq uint64) string {
	return stream + ":" + strconv.FormatUint(seq, 10)
}

func (b *Broker) parseSubscription(subscription string) (stream, consumer string, err error) {
	stream, consumer, ok := strings.Cut(subscription, "/")
	if !ok {
		stream, consumer = b.opts.stream, subscription
	}
	if stream == "" || consumer == "" {
		return "", "", fmt.Errorf("want \"stream/consumer\" or extra.stream, got %q", subscription)
	}
	return stream, consumer, nil
}

func (b *Broker) consumer(ctx context.Context, stream, name string) (jetstream.Consumer, error) {
	if !b.opts.provision {
		cons, err := b.js.Consumer(ctx, stream, name)
		if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %v", core.ErrUnknownSubscription, err)
		}
		return cons, err
	}
	return b.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.ackWait,
		MaxDeliver:    b.opts.maxDeliver,
		FilterSubject: b.opts.filterSubj,
	})
}

// Subscribe looks up (or provisions) the durable consumer and starts
// consuming from it.
func (b *Broker) Subscribe(ctx context.Context, subscription string, h core.Handler) error {
	br, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}
	stream, name, err := b.parseSubscription(subscription)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}

	cons, err := b.consumer(ctx, stream, name)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	logger := b.log.With().Str(log.FieldSubscription, subscription).Logger()
	return b.start(subscription, cons, br, logger)
}

// consumeStarter is the part of jetstream.Consumer Subscribe uses.
type consumeStarter interface {
	Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error)
}

// start begins consuming before the run is registered, so a failing Consume
// is reported to the caller. The run only waits for cancellation.
func (b *Broker) start(subscription string, cons consumeStarter, br *core.Bridge, logger zerolog.Logger) error {
	runCtx, cancel := context.WithCancel(context.Background())
	cc, err := cons.Consume(func(m jetstream.Msg) {
		br.Deliver(runCtx, &envelope{msg: m})
	})
	if err != nil {
		cancel()
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: fmt.Errorf("start consume: %w", err)}
	}

	replaced, err := b.subs.Start(subscription, func(ctx context.Context) {
		<-ctx.Done()
		cc.Stop()
		cancel()
	})
	if err != nil {
		cc.Stop()
		cancel()
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if replaced {
		logger.Warn().Msg("replacing existing registration")
	}
	return nil
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
	b.conn.Close()
	return nil
}
