package memory

import (
	"fmt"

	"github.com/miladsoleymani/relay/broker"
	"github.com/miladsoleymani/relay/core"
)

// Option configures the memory broker.
type Option func(*options)

type options struct {
	workers       int
	maxDeliver    int
	queueSize     int
	matcher       core.TopicMatcher
	subscriptions map[string]string
}

func defaults() options {
	return options{
		workers:    4,
		maxDeliver: 5,
		queueSize:  1024,
		matcher:    core.DefaultMatcher{},
	}
}

// WithWorkers sets the number of delivery goroutines per subscription.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMaxDeliver sets the maximum number of delivery attempts per message.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithQueueSize sets the per-subscription backlog. Publish blocks while a
// matching subscription's backlog is full.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithMatcher replaces the topic pattern matcher.
func WithMatcher(m core.TopicMatcher) Option {
	return func(o *options) { o.matcher = m }
}

// WithSubscription declares a subscription at construction time.
func WithSubscription(name, pattern string) Option {
	return func(o *options) {
		if o.subscriptions == nil {
			o.subscriptions = make(map[string]string)
		}
		o.subscriptions[name] = pattern
	}
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if n, ok := cfg.Int("workers"); ok {
		opts = append(opts, WithWorkers(n))
	}
	if n, ok := cfg.Int("max_deliver"); ok {
		opts = append(opts, WithMaxDeliver(n))
	}
	if n, ok := cfg.Int("queue_size"); ok {
		opts = append(opts, WithQueueSize(n))
	}
	switch subs := cfg.Extra["subscriptions"].(type) {
	case map[string]string:
		for name, pattern := range subs {
			opts = append(opts, WithSubscription(name, pattern))
		}
	case map[string]any:
		for name, pattern := range subs {
			opts = append(opts, WithSubscription(name, fmt.Sprint(pattern)))
		}
	}
	return opts
}
