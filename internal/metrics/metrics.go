// Package metrics provides Prometheus metrics for relay brokers and bridges.
// Labels are limited to provider, topic/subscription and outcome; message ids
// never become labels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesTotal counts settled deliveries by subscription and outcome (ack/nack).
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total number of delivered messages settled by the bridge, by subscription and outcome.",
	}, []string{"subscription", "outcome"})

	// HandlerFailuresTotal counts handler failures by subscription and reason.
	HandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_handler_failures_total",
		Help: "Total number of handler failures, by subscription and reason.",
	}, []string{"subscription", "reason"})

	// LateCompletionsTotal counts loop tasks that finished after their delivery timed out.
	LateCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_late_completions_total",
		Help: "Total number of handed-off handlers that completed after the delivery wait timed out.",
	}, []string{"subscription"})

	// HandlerDuration observes handler run time as seen by the delivery goroutine.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_handler_duration_seconds",
		Help:    "Handler duration observed by the delivery goroutine, by subscription and mode.",
		Buckets: prometheus.DefBuckets,
	}, []string{"subscription", "mode"})

	// PublishTotal counts publish calls by provider and result.
	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_total",
		Help: "Total number of publish calls, by provider and result (ok/error).",
	}, []string{"provider", "result"})

	// MiddlewareProcessedTotal is fed by the Metrics middleware.
	MiddlewareProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_middleware_processed_total",
		Help: "Total number of messages observed by the metrics middleware, by subscription and result.",
	}, []string{"subscription", "result"})
)

// ObserveDelivery records a settled delivery.
func ObserveDelivery(subscription, mode, outcome string, elapsed time.Duration) {
	if subscription == "" {
		subscription = "unknown"
	}
	DeliveriesTotal.WithLabelValues(subscription, outcome).Inc()
	HandlerDuration.WithLabelValues(subscription, mode).Observe(elapsed.Seconds())
}

// IncHandlerFailure records a handler failure with a concrete reason.
func IncHandlerFailure(subscription, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	HandlerFailuresTotal.WithLabelValues(subscription, reason).Inc()
}

// IncLateCompletion records a discarded late result.
func IncLateCompletion(subscription string) {
	LateCompletionsTotal.WithLabelValues(subscription).Inc()
}

// IncPublish records a publish attempt.
func IncPublish(provider string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PublishTotal.WithLabelValues(provider, result).Inc()
}

// Collector adapts the metrics middleware interface onto Prometheus.
type Collector struct{}

// MessageProcessed implements middleware.MetricsCollector.
func (Collector) MessageProcessed(subscription string, _ time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MiddlewareProcessedTotal.WithLabelValues(subscription, result).Inc()
}
