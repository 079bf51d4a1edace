package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/relay/broker"
)

// Option configures the Kafka broker.
type Option func(*options)

type options struct {
	// Writer
	balancer     kafka.Balancer
	batchSize    int
	batchTimeout time.Duration
	keyAttr      string

	// Reader
	minBytes     int
	maxBytes     int
	maxWait      time.Duration
	startOffset  int64
	maxDeliver   int
	retryBackoff time.Duration

	// General
	dialer *kafka.Dialer
}

func defaults() options {
	return options{
		balancer:     &kafka.LeastBytes{},
		batchSize:    100,
		batchTimeout: 10 * time.Millisecond,
		minBytes:     1,
		maxBytes:     10e6, // 10 MB
		maxWait:      500 * time.Millisecond,
		startOffset:  kafka.FirstOffset,
		maxDeliver:   5,
		retryBackoff: 500 * time.Millisecond,
	}
}

// WithBalancer sets the partition balancer for the writer.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchSize sets the maximum batch size for writes.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBatchTimeout sets how long the writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) { o.batchTimeout = d }
}

// WithKeyAttribute uses the named message attribute as the partition key.
func WithKeyAttribute(name string) Option {
	return func(o *options) { o.keyAttr = name }
}

// WithMaxBytes sets the maximum bytes per fetch.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithStartOffset sets where a new group starts (kafka.FirstOffset or kafka.LastOffset).
func WithStartOffset(offset int64) Option {
	return func(o *options) { o.startOffset = offset }
}

// WithMaxDeliver sets how many times a nacked message is delivered before
// the reader moves on.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithRetryBackoff sets the pause before a nacked message is delivered again.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.retryBackoff = d }
}

// WithDialer sets a custom dialer for TLS/SASL connections.
func WithDialer(d *kafka.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if n, ok := cfg.Int("batch_size"); ok {
		opts = append(opts, WithBatchSize(n))
	}
	if d, ok := cfg.Duration("batch_timeout"); ok {
		opts = append(opts, WithBatchTimeout(d))
	}
	if v, ok := cfg.String("key_attribute"); ok {
		opts = append(opts, WithKeyAttribute(v))
	}
	if n, ok := cfg.Int("max_bytes"); ok {
		opts = append(opts, WithMaxBytes(n))
	}
	if n, ok := cfg.Int("max_deliver"); ok {
		opts = append(opts, WithMaxDeliver(n))
	}
	if d, ok := cfg.Duration("retry_backoff"); ok {
		opts = append(opts, WithRetryBackoff(d))
	}
	if v, ok := cfg.String("start_offset"); ok && v == "last" {
		opts = append(opts, WithStartOffset(kafka.LastOffset))
	}
	return opts
}
