package rabbitmq

import "github.com/miladsoleymani/relay/broker"

// Option configures the RabbitMQ broker.
type Option func(*options)

type options struct {
	// Exchange settings
	exchange     string
	exchangeType string
	routingKey   string

	// Queue settings
	declare    bool
	durable    bool
	autoDelete bool
	exclusive  bool

	// Publisher settings
	persistent bool

	// Consumer settings
	prefetchCount int
	workers       int
	requeueOnNack bool
}

func defaults() options {
	return options{
		exchange:      "",       // default exchange
		exchangeType:  "direct", // direct, fanout, topic, headers
		durable:       true,
		persistent:    true,
		prefetchCount: 10,
		workers:       1,
		requeueOnNack: true,
	}
}

// WithExchange sets the exchange name and type.
func WithExchange(name, kind string) Option {
	return func(o *options) {
		o.exchange = name
		o.exchangeType = kind
	}
}

// WithRoutingKey sets the binding key used when declaring queues.
func WithRoutingKey(key string) Option {
	return func(o *options) { o.routingKey = key }
}

// WithDeclare makes the broker declare the exchange and subscribed queues
// instead of requiring them to exist.
func WithDeclare() Option {
	return func(o *options) { o.declare = true }
}

// WithDurable controls whether declared queues survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithPersistent controls the delivery mode of published messages.
func WithPersistent(p bool) Option {
	return func(o *options) { o.persistent = p }
}

// WithPrefetchCount sets how many messages are delivered before requiring ack.
func WithPrefetchCount(n int) Option {
	return func(o *options) { o.prefetchCount = n }
}

// WithWorkers sets the number of delivery goroutines per subscription.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithRequeueOnNack controls whether nacked messages are requeued.
func WithRequeueOnNack(requeue bool) Option {
	return func(o *options) { o.requeueOnNack = requeue }
}

// WithAutoDelete causes declared queues to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if ex, ok := cfg.String("exchange"); ok {
		kind := "direct"
		if k, ok := cfg.String("exchange_type"); ok {
			kind = k
		}
		opts = append(opts, WithExchange(ex, kind))
	}
	if rk, ok := cfg.String("routing_key"); ok {
		opts = append(opts, WithRoutingKey(rk))
	}
	if v, ok := cfg.Bool("declare"); ok && v {
		opts = append(opts, WithDeclare())
	}
	if n, ok := cfg.Int("prefetch_count"); ok {
		opts = append(opts, WithPrefetchCount(n))
	}
	if n, ok := cfg.Int("workers"); ok {
		opts = append(opts, WithWorkers(n))
	}
	if v, ok := cfg.Bool("requeue_on_nack"); ok {
		opts = append(opts, WithRequeueOnNack(v))
	}
	return opts
}
