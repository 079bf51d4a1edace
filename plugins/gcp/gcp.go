// Package gcp provides the "gcp" broker backed by Google Cloud Pub/Sub.
//
// One client is created at construction and shared by the publisher and all
// subscriptions. Publish blocks until the service returns the server-assigned
// message id. Each Subscribe starts a streaming pull (Subscription.Receive)
// whose callback goroutines hand every message to a core.Bridge; Pub/Sub
// retries publishes and redelivers nacked messages on its own, so this
// package adds no retry logic.
//
// Topics and subscriptions are not created here; they are provisioned
// outside the process.
package gcp

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/alphadose/haxmap"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
	"github.com/miladsoleymani/relay/internal/metrics"
)

// Tag is the provider tag this package registers.
const Tag = "gcp"

func init() {
	broker.Register(Tag, func(cfg broker.Config) (core.Broker, error) {
		return New(context.Background(), cfg, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker using Google Cloud Pub/Sub.
type Broker struct {
	client *pubsub.Client
	cfg    broker.Config
	opts   options
	log    zerolog.Logger

	topics *haxmap.Map[string, *pubsub.Topic]
	subs   *core.Subscriptions

	mu     sync.RWMutex
	closed bool
}

// New validates cfg and creates the Pub/Sub client. ProjectID and one of
// Credentials, CredentialsJSON, Endpoint or application_default credentials
// are required. An Endpoint without credentials is treated as an emulator.
func New(ctx context.Context, cfg broker.Config, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	clientOpts, err := clientOptions(cfg, opts)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, &core.ConfigurationError{Provider: Tag, Field: "client", Err: err}
	}
	return newBroker(client, cfg, opts), nil
}

// NewWithClient wraps an existing client. The broker takes ownership and
// closes it on Close.
func NewWithClient(client *pubsub.Client, cfg broker.Config, fns ...Option) *Broker {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return newBroker(client, cfg, opts)
}

func newBroker(client *pubsub.Client, cfg broker.Config, opts options) *Broker {
	b := &Broker{
		client: client,
		cfg:    cfg,
		opts:   opts,
		log:    cfg.Log(Tag).With().Str(log.FieldProvider, Tag).Logger(),
		topics: haxmap.New[string, *pubsub.Topic](),
		subs:   core.NewSubscriptions(),
	}
	b.log.Info().Str("project", client.Project()).Msg("pubsub client ready")
	return b
}

func clientOptions(cfg broker.Config, opts options) ([]option.ClientOption, error) {
	if err := broker.Require(Tag, "project_id", cfg.ProjectID); err != nil {
		return nil, err
	}

	var out []option.ClientOption
	switch {
	case len(cfg.CredentialsJSON) > 0:
		out = append(out, option.WithCredentialsJSON(cfg.CredentialsJSON))
	case cfg.Credentials != "":
		out = append(out, option.WithCredentialsFile(cfg.Credentials))
	case cfg.Endpoint != "":
		out = append(out,
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	case opts.applicationDefault:
	default:
		return nil, &core.ConfigurationError{
			Provider: Tag,
			Field:    "credentials",
			Reason:   "set credentials, credentials JSON, an emulator endpoint or extra.application_default",
		}
	}
	if cfg.Endpoint != "" {
		out = append(out, option.WithEndpoint(cfg.Endpoint))
	}
	return out, nil
}

func (b *Broker) Provider() string { return Tag }

func (b *Broker) topic(id string) *pubsub.Topic {
	t, _ := b.topics.GetOrCompute(id, func() *pubsub.Topic {
		t := b.client.Topic(id)
		t.PublishSettings.CountThreshold = b.opts.batchCount
		t.PublishSettings.DelayThreshold = b.opts.batchDelay
		return t
	})
	return t
}

// Publish encodes msg, submits it to the topic publisher and waits for the
// server-assigned message id.
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

	res := b.topic(topic).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err = res.Get(ctx)
	if err != nil {
		return "", &core.PublishError{Provider: Tag, Topic: topic, Err: err}
	}
	b.log.Debug().Str(log.FieldTopic, topic).Str(log.FieldMessageID, id).Msg("message published")
	return id, nil
}

// Subscribe checks that the subscription exists and starts receiving from it.
// Registering the same subscription again stops the earlier stream.
func (b *Broker) Subscribe(ctx context.Context, subscription string, h core.Handler) error {
	br, err := core.NewBridge(subscription, h, b.cfg.BridgeOptions(Tag)...)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrBrokerClosed}
	}

	sub := b.client.Subscription(subscription)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if !ok {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: core.ErrUnknownSubscription}
	}
	sub.ReceiveSettings.NumGoroutines = b.opts.numGoroutines
	sub.ReceiveSettings.MaxOutstandingMessages = b.opts.maxOutstanding

	logger := b.log.With().Str(log.FieldSubscription, subscription).Logger()
	replaced, err := b.subs.Start(subscription, func(ctx context.Context) {
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			br.Deliver(ctx, &envelope{msg: m})
		})
		if err != nil {
			logger.Error().Err(err).Msg("receive stopped")
			return
		}
		logger.Debug().Msg("receive stopped")
	})
	if err != nil {
		return &core.SubscribeError{Provider: Tag, Subscription: subscription, Err: err}
	}
	if replaced {
		logger.Warn().Msg("replacing existing registration")
	}
	logger.Info().Str(log.FieldMode, h.Mode().String()).Msg("subscribed")
	return nil
}

// Close stops every receive stream, flushes topic publishers and closes the
// client.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.subs.Close()
	b.topics.ForEach(func(_ string, t *pubsub.Topic) bool {
		t.Stop()
		return true
	})
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("relay/gcp: close client: %w", err)
	}
	return nil
}
