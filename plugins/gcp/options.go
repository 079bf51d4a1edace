package gcp

import (
	"time"

	"github.com/miladsoleymani/relay/broker"
)

// Option configures the Pub/Sub broker.
type Option func(*options)

type options struct {
	// Receive
	numGoroutines  int
	maxOutstanding int

	// Publish
	batchCount int
	batchDelay time.Duration

	applicationDefault bool
}

func defaults() options {
	return options{
		numGoroutines:  1,
		maxOutstanding: 1000,
		batchCount:     100,
		batchDelay:     10 * time.Millisecond,
	}
}

// WithNumGoroutines sets the number of streaming pull goroutines per subscription.
func WithNumGoroutines(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.numGoroutines = n
		}
	}
}

// WithMaxOutstanding bounds unsettled messages per subscription, and with it
// the number of concurrent delivery goroutines.
func WithMaxOutstanding(n int) Option {
	return func(o *options) { o.maxOutstanding = n }
}

// WithBatching sets the publisher batching thresholds.
func WithBatching(count int, delay time.Duration) Option {
	return func(o *options) {
		o.batchCount = count
		o.batchDelay = delay
	}
}

// WithApplicationDefault allows construction without explicit credentials,
// relying on Application Default Credentials.
func WithApplicationDefault() Option {
	return func(o *options) { o.applicationDefault = true }
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if n, ok := cfg.Int("num_goroutines"); ok {
		opts = append(opts, WithNumGoroutines(n))
	}
	if n, ok := cfg.Int("max_outstanding"); ok {
		opts = append(opts, WithMaxOutstanding(n))
	}
	count, hasCount := cfg.Int("batch_count")
	delay, hasDelay := cfg.Duration("batch_delay")
	if hasCount || hasDelay {
		d := defaults()
		if !hasCount {
			count = d.batchCount
		}
		if !hasDelay {
			delay = d.batchDelay
		}
		opts = append(opts, WithBatching(count, delay))
	}
	if v, ok := cfg.Bool("application_default"); ok && v {
		opts = append(opts, WithApplicationDefault())
	}
	return opts
}
