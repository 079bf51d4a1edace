package postgres

import "github.com/miladsoleymani/relay/broker"

// Option configures the Postgres broker.
type Option func(*options)

type options struct {
	maxConns   int32
	maxDeliver int
	workers    int
}

func defaults() options {
	return options{
		maxDeliver: 5,
		workers:    4,
	}
}

// WithMaxConns caps the pool size. Each subscription holds one connection.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithMaxDeliver sets how many times a nacked message is notified in total.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithWorkers sets how many notifications of one subscription are handled
// at once.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if n, ok := cfg.Int("max_conns"); ok {
		opts = append(opts, WithMaxConns(int32(n)))
	}
	if n, ok := cfg.Int("max_deliver"); ok {
		opts = append(opts, WithMaxDeliver(n))
	}
	if n, ok := cfg.Int("workers"); ok {
		opts = append(opts, WithWorkers(n))
	}
	return opts
}
