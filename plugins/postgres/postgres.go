// Package postgres provides the "postgres" broker on PostgreSQL LISTEN/NOTIFY.
//
// A topic is a notification channel and so is a subscription: Subscribe
// holds one pooled connection in LISTEN for the channel named by the
// subscription. Every message travels as a small JSON frame in the NOTIFY
// payload, so a frame is limited to what the server accepts (8000 bytes).
//
// NOTIFY keeps nothing: a message published while no process listens is
// lost. Nack publishes the frame again with the attempt raised, up to
// max_deliver; every listener on the channel sees the redelivery.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "postgres"

// MaxPayload is the largest NOTIFY payload the server accepts.
const MaxPayload = 8000

// ErrPayloadTooLarge is returned by Publish when the encoded frame does not
// fit in a NOTIFY payload.
var ErrPayloadTooLarge = errors.New("relay/postgres: payload exceeds NOTIFY limit")

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(context.Background(), cfg, optsFromConfig(cfg)...)
	})
}

// notifier sends NOTIFY statements. *pgxpool.Pool implements it.
type notifier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Broker implements core.Broker on PostgreSQL LISTEN/NOTIFY.
type Broker struct {
	pool *pgxpool.Pool
	cfg  broker.Config
	opts options
	log  zerolog.Logger
	subs *core.Subscriptions

	mu     sync.RWMutex
	closed bool
}

// New parses cfg.Endpoint as a connection string, opens a pool and pings it.
func New(ctx context.Context, cfg broker.Config, fns ...Option) (*Broker, error) {
	if err := broker.Require(Tag, "endpoint", cfg.Endpoint); err != nil {
		return nil, err
	}
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.maxDeliver < 1 {
		return nil, &core.ConfigurationError{Provider: Tag, Field: "max_deliver", Reason: "must be at least 1"}
	}

	pc, err := pgxpool.ParseConfig(cfg.Endpoint)
	if err != nil {
		return nil, &core.ConfigurationError{Provider: Tag, Field: "endpoint", Err: err}
	}
	if opts.maxConns > 0 {
		pc.MaxConns = opts.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("relay/postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relay/postgres: connect %s: %w", pc.ConnConfig.Host, err)
	}
	return NewWithPool(pool, cfg, fns...), nil
}

// NewWithPool wraps an existing pool. The broker closes it on Close.
func NewWithPool(pool *pgxpool.Pool, cfg broker.Config, fns ...Option) *Broker {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Broker{
		pool: pool,
		cfg:  cfg,
		opts: opts,
		log:  cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		subs: core.NewSubscriptions(),
	}
}

func (b *Broker) Provider() string { return Tag }

// Publish sends msg as a NOTIFY on the topic channel and returns the
// generated message id.
func (b *Broker) Publish(ctx context.Context, topic string, msg any) (id string, err error) {
	defer func() { metrics.IncPublish(Tag, err) }()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: core.ErrBrokerClosed}
	}
	if topic == "" {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: errors.New("empty channel name")}
	}

	data, attrs, err := core.Marshal(msg)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	f := frame{
		ID:      uuid.NewString(),
		Attrs:   attrs,
		Data:    data,
		Attempt: 1,
		Time:    time.Now().UTC(),
	}
	if err := notify(ctx, b.pool, topic, f); err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	return f.ID, nil
}

// notify encodes f and sends it on channel.
func notify(ctx context.Context, n notifier, channel string, f frame) error {
	payload, err := f.encode()
	if err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	_, err = n.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}

// Subscribe acquires a connection, issues LISTEN for the subscription channel
// and starts delivering notifications.
func (b *Broker) Subscribe(ctx context.Context, subscription string, h core.Handler) error {
	br, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}
	if subscription == "" {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: errors.New("empty channel name")}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{subscription}.Sanitize()); err != nil {
		conn.Release()
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}

	c := &consumer{
		bridge:     br,
		notifier:   b.pool,
		channel:    subscription,
		maxDeliver: b.opts.maxDeliver,
		workers:    b.opts.workers,
		log:        b.log.With().Str(log.FieldSubscription, subscription).Logger(),
	}
	replaced, err := b.subs.Start(subscription, func(ctx context.Context) {
		defer release(conn, subscription)
		c.run(ctx, conn.Conn())
	})
	if err != nil {
		conn.Release()
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if replaced {
		c.log.Warn().Msg("replacing existing registration")
	}
	c.log.Info().Str(log.FieldMode, h.Mode().String()).Msg("listening")
	return nil
}

// release stops listening before the connection goes back to the pool. A
// connection whose UNLISTEN fails is destroyed instead.
func release(conn *pgxpool.Conn, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

// Close stops every listener and closes the pool.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.subs.Close()
	b.pool.Close()
	return nil
}

// listener is the part of *pgx.Conn a consumer uses.
type listener interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

type consumer struct {
	bridge     *core.Bridge
	notifier   notifier
	channel    string
	maxDeliver int
	workers    int
	log        zerolog.Logger
}

// run waits for notifications until ctx is done, delivering at most workers
// of them at a time.
func (c *consumer) run(ctx context.Context, l listener) {
	var g errgroup.Group
	g.SetLimit(c.workers)
	defer func() { _ = g.Wait() }()

	for {
		n, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error().Err(err).Msg("listen stopped")
			}
			return
		}
		f, err := decodeFrame([]byte(n.Payload))
		if err != nil {
			c.log.Error().Err(err).Msg("malformed notification, dropping")
			continue
		}
		env := &envelope{frame: f, channel: c.channel, consumer: c}
		g.Go(func() error {
			c.bridge.Deliver(ctx, env)
			return nil
		})
	}
}

// redeliver sends f again with the next attempt number, or reports that the
// attempts are used up.
func (c *consumer) redeliver(f frame) error {
	if f.Attempt >= c.maxDeliver {
		c.log.Warn().
			Str(log.FieldMessageID, f.ID).
			Int(log.FieldAttempt, f.Attempt).
			Msg("giving up on nacked message")
		return nil
	}
	f.Attempt++
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notify(ctx, c.notifier, c.channel, f); err != nil {
		return fmt.Errorf("relay/postgres: redeliver %s: %w", f.ID, err)
	}
	return nil
}
