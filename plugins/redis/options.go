package redis

import (
	"time"

	"github.com/miladsoleymani/relay/broker"
)

// Option configures the Redis Streams broker.
type Option func(*options)

type options struct {
	// Connection
	password string
	db       int

	// Stream
	maxLen int64

	// Consumer
	consumer    string
	batchSize   int
	workers     int
	block       time.Duration
	reclaimIdle time.Duration
	startID     string
}

func defaults() options {
	return options{
		batchSize:   16,
		workers:     4,
		block:       time.Second,
		reclaimIdle: 30 * time.Second,
		startID:     "$",
	}
}

// WithPassword sets the AUTH password when connecting by address.
func WithPassword(p string) Option {
	return func(o *options) { o.password = p }
}

// WithDB selects the database when connecting by address.
func WithDB(n int) Option {
	return func(o *options) { o.db = n }
}

// WithMaxLen caps streams at roughly n entries on publish.
func WithMaxLen(n int64) Option {
	return func(o *options) { o.maxLen = n }
}

// WithConsumer sets the consumer name within the group. Defaults to a random name.
func WithConsumer(name string) Option {
	return func(o *options) { o.consumer = name }
}

// WithBatchSize sets how many entries one read returns.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithWorkers sets how many entries of a batch are delivered concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBlock sets how long one XREADGROUP waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithReclaimIdle sets how long a pending entry stays idle before it is
// redelivered.
func WithReclaimIdle(d time.Duration) Option {
	return func(o *options) { o.reclaimIdle = d }
}

// WithStartFromBeginning makes a newly created group read the whole stream
// instead of only entries added after it.
func WithStartFromBeginning() Option {
	return func(o *options) { o.startID = "0" }
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	if v, ok := cfg.String("password"); ok {
		opts = append(opts, WithPassword(v))
	}
	if n, ok := cfg.Int("db"); ok {
		opts = append(opts, WithDB(n))
	}
	if n, ok := cfg.Int("max_len"); ok {
		opts = append(opts, WithMaxLen(int64(n)))
	}
	if v, ok := cfg.String("consumer"); ok {
		opts = append(opts, WithConsumer(v))
	}
	if n, ok := cfg.Int("batch_size"); ok {
		opts = append(opts, WithBatchSize(n))
	}
	if n, ok := cfg.Int("workers"); ok {
		opts = append(opts, WithWorkers(n))
	}
	if d, ok := cfg.Duration("block"); ok {
		opts = append(opts, WithBlock(d))
	}
	if d, ok := cfg.Duration("reclaim_idle"); ok {
		opts = append(opts, WithReclaimIdle(d))
	}
	if v, ok := cfg.Bool("from_beginning"); ok && v {
		opts = append(opts, WithStartFromBeginning())
	}
	return opts
}
