// Package redis provides the "redis" broker on Redis Streams.
//
// A topic is a stream. A subscription names a stream and a consumer group as
// "stream/group"; a bare name uses Config.Group as the group. Publish returns
// the XADD entry id. Each subscription runs one read loop that claims idle
// pending entries (earlier nacks and crashed consumers) and then reads new
// ones with XREADGROUP. Ack is XACK; Nack leaves the entry pending so it is
// reclaimed once it has been idle for reclaim_idle.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "redis"

const (
	fieldData  = "data"
	fieldAttrs = "attrs"
)

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker on Redis Streams.
type Broker struct {
	client *goredis.Client
	cfg    broker.Config
	opts   options
	log    zerolog.Logger
	subs   *core.Subscriptions

	mu     sync.RWMutex
	closed bool
}

// New validates cfg, connects and pings the server. Endpoint is read as a
// redis:// URL; otherwise the first entry of Brokers is the address.
func New(cfg broker.Config, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	var ro *goredis.Options
	if cfg.Endpoint != "" {
		parsed, err := goredis.ParseURL(cfg.Endpoint)
		if err != nil {
			return nil, &core.ConfigurationError{Provider: Tag, Field: "endpoint", Err: err}
		}
		ro = parsed
	} else {
		if err := broker.RequireBrokers(Tag, cfg); err != nil {
			return nil, err
		}
		ro = &goredis.Options{
			Addr:     cfg.Brokers[0],
			Password: opts.password,
			DB:       opts.db,
		}
	}
	ro.DialTimeout = 5 * time.Second

	client := goredis.NewClient(ro)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay/redis: connect %s: %w", ro.Addr, err)
	}
	return NewWithClient(client, cfg, fns...), nil
}

// NewWithClient wraps an existing client. The broker closes it on Close.
func NewWithClient(client *goredis.Client, cfg broker.Config, fns ...Option) *Broker {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.consumer == "" {
		opts.consumer = "relay-" + uuid.NewString()
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		opts:   opts,
		log:    cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		subs:   core.NewSubscriptions(),
	}
}

func (b *Broker) Provider() string { return Tag }

// Publish appends msg to the topic stream and returns the entry id.
func (b *Broker) Publish(ctx context.Context, topic string, msg any) (id string, err error) {
	defer func() { metrics.IncPublish(Tag, err) }()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: core.ErrBrokerClosed}
	}
	if topic == "" {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: errors.New("empty stream name")}
	}

	data, attrs, err := core.Marshal(msg)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	encoded, err := encodeAttrs(attrs)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}

	args := &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]any{fieldData: data, fieldAttrs: encoded},
	}
	if b.opts.maxLen > 0 {
		args.MaxLen = b.opts.maxLen
		args.Approx = true
	}
	id, err = b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	return id, nil
}

func (b *Broker) parseSubscription(subscription string) (stream, group string, err error) {
	stream, group, ok := strings.Cut(subscription, "/")
	if !ok {
		group = b.cfg.Group
	}
	if stream == "" || group == "" {
		return "", "", fmt.Errorf("want \"stream/group\" or a configured group, got %q", subscription)
	}
	return stream, group, nil
}

// Subscribe ensures the consumer group exists and starts its read loop. A
// group created here starts at the end of the stream unless
// WithStartFromBeginning is set; an existing group keeps its position.
func (b *Broker) Subscribe(ctx context.Context, subscription string, h core.Handler) error {
	br, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}
	stream, group, err := b.parseSubscription(subscription)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}

	err = b.client.XGroupCreateMkStream(ctx, stream, group, b.opts.startID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	c := &consumer{
		broker: b,
		bridge: br,
		stream: stream,
		group:  group,
		log: b.log.With().
			Str(log.FieldSubscription, subscription).
			Str("consumer", b.opts.consumer).
			Logger(),
	}
	replaced, err := b.subs.Start(subscription, c.run)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if replaced {
		c.log.Warn().Msg("replacing existing registration")
	}
	return nil
}

// Close stops all read loops and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.subs.Close()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("relay/redis: close client: %w", err)
	}
	return nil
}

type consumer struct {
	broker *Broker
	bridge *core.Bridge
	stream string
	group  string
	log    zerolog.Logger
}

func (c *consumer) run(ctx context.Context) {
	opts := c.broker.opts
	for ctx.Err() == nil {
		claimed, _, err := c.broker.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: opts.consumer,
			MinIdle:  opts.reclaimIdle,
			Start:    "0-0",
			Count:    int64(opts.batchSize),
		}).Result()
		if err != nil && !c.stopping(ctx, err) {
			c.log.Error().Err(err).Msg("claim pending entries")
		}
		c.deliver(ctx, claimed)

		streams, err := c.broker.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: opts.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(opts.batchSize),
			Block:    opts.block,
		}).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if c.stopping(ctx, err) {
				return
			}
			c.log.Error().Err(err).Msg("read group")
			c.backoff(ctx)
			continue
		}
		for _, s := range streams {
			c.deliver(ctx, s.Messages)
		}
	}
}

func (c *consumer) stopping(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, goredis.ErrClosed)
}

func (c *consumer) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

// deliver hands one batch to the bridge, at most workers at a time.
func (c *consumer) deliver(ctx context.Context, msgs []goredis.XMessage) {
	if len(msgs) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(c.broker.opts.workers)
	for _, m := range msgs {
		env, err := c.envelope(m)
		if err != nil {
			c.log.Error().Err(err).Str(log.FieldMessageID, m.ID).Msg("malformed stream entry, acking")
			_ = c.ack(m.ID)
			continue
		}
		g.Go(func() error {
			c.bridge.Deliver(ctx, env)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *consumer) ack(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.broker.client.XAck(ctx, c.stream, c.group, id).Err()
}
