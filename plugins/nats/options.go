package nats

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/relay/broker"
)

// Option configures the NATS broker.
type Option func(*options)

type options struct {
	name string

	// Stream
	stream    string
	maxMsgs   int64
	maxBytes  int64
	maxAge    time.Duration
	replicas  int
	retention jetstream.RetentionPolicy
	storage   jetstream.StorageType

	// Consumer
	provision  bool
	ackWait    time.Duration
	maxDeliver int
	filterSubj string
}

func defaults() options {
	return options{
		name:       "relay",
		maxMsgs:    -1, // unlimited
		maxBytes:   -1,
		replicas:   1,
		retention:  jetstream.LimitsPolicy,
		storage:    jetstream.FileStorage,
		ackWait:    30 * time.Second,
		maxDeliver: 5,
	}
}

// WithName sets the connection name reported to the server.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithStream sets the stream used by subscriptions given without a stream prefix.
func WithStream(name string) Option {
	return func(o *options) { o.stream = name }
}

// WithMaxMessages sets the maximum number of messages per stream.
func WithMaxMessages(n int64) Option {
	return func(o *options) { o.maxMsgs = n }
}

// WithMaxBytes sets the maximum total size of a stream.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxAge sets the maximum age of messages in the stream.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(o *options) { o.replicas = n }
}

// WithRetention sets the stream retention policy.
func WithRetention(r jetstream.RetentionPolicy) Option {
	return func(o *options) { o.retention = r }
}

// WithStorage sets the stream storage type (file or memory).
func WithStorage(s jetstream.StorageType) Option {
	return func(o *options) { o.storage = s }
}

// WithProvision makes Subscribe create or update durable consumers instead
// of requiring them to exist.
func WithProvision() Option {
	return func(o *options) { o.provision = true }
}

// WithAckWait sets how long the server waits for an ack before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(o *options) { o.ackWait = d }
}

// WithMaxDeliver sets the maximum number of delivery attempts.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithFilterSubject restricts provisioned consumers to one subject.
func WithFilterSubject(s string) Option {
	return func(o *options) { o.filterSubj = s }
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if v, ok := cfg.String("stream"); ok {
		opts = append(opts, WithStream(v))
	}
	if v, ok := cfg.Bool("provision"); ok && v {
		opts = append(opts, WithProvision())
	}
	if n, ok := cfg.Int("max_deliver"); ok {
		opts = append(opts, WithMaxDeliver(n))
	}
	if n, ok := cfg.Int("replicas"); ok {
		opts = append(opts, WithReplicas(n))
	}
	if d, ok := cfg.Duration("ack_wait"); ok {
		opts = append(opts, WithAckWait(d))
	}
	if d, ok := cfg.Duration("max_age"); ok {
		opts = append(opts, WithMaxAge(d))
	}
	if v, ok := cfg.String("storage"); ok && v == "memory" {
		opts = append(opts, WithStorage(jetstream.MemoryStorage))
	}
	if v, ok := cfg.String("filter_subject"); ok {
		opts = append(opts, WithFilterSubject(v))
	}
	return opts
}
