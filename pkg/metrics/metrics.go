// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesTotal tracks total messages accepted for delivery.
	MessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
	)

	// MessagesRejectedTotal tracks sends refused before persistence.
	MessagesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_rejected_total",
			Help: "Total sends rejected before persistence",
		},
		[]string{"reason"},
	)

	// BrokerSubscriptionsActive tracks live broker subscriptions.
	BrokerSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_subscriptions_active",
			Help: "Number of live event broker subscriptions",
		},
	)

	// BrokerPublishedTotal tracks events fanned out by the broker.
	BrokerPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_published_total",
			Help: "Total events published through the broker",
		},
	)

	// BrokerDroppedTotal tracks subscribers shed for not keeping up.
	BrokerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_dropped_subscribers_total",
			Help: "Subscribers dropped because their buffer was full",
		},
	)

	// StreamConnectionsActive tracks active push-channel connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active push channel connections",
		},
		[]string{"transport"},
	)

	// ReadMarksTotal tracks read-state transitions.
	ReadMarksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "read_marks_total",
			Help: "Messages transitioned from unread to read",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementStreamConnections increments the active connection count for a
// push transport ("sse" or "ws").
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
