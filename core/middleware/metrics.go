package middleware

import (
	"context"
	"time"

	"github.com/miladsoleymani/relay/core"
)

// MetricsCollector is the interface that metrics backends must implement.
// metrics.Collector is the Prometheus implementation.
type MetricsCollector interface {
	// MessageProcessed records that a message was processed.
	// subscription is the handler's subscription, duration is processing
	// time, and err is nil on success.
	MessageProcessed(subscription string, duration time.Duration, err error)
}

// Metrics returns middleware that reports processing metrics to the given collector.
func Metrics(collector MetricsCollector) core.MiddlewareFunc {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, env core.Envelope) error {
			start := time.Now()
			err := next(ctx, env)
			collector.MessageProcessed(core.SubscriptionFrom(ctx), time.Since(start), err)
			return err
		}
	}
}
