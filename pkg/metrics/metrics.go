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

	// ConnectionsActive tracks registered subscriber connections by channel kind.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_connections_active",
			Help: "Number of registered subscriber connections",
		},
		[]string{"kind"},
	)

	// ConnectionsClosed counts closed connections by reason.
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_connections_closed_total",
			Help: "Total subscriber connections closed",
		},
		[]string{"reason"},
	)

	// EventsDispatched counts events fanned out by event type.
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_events_dispatched_total",
			Help: "Total events dispatched to conversations",
		},
		[]string{"type"},
	)

	// DispatchDuration tracks how long one fan-out takes.
	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_dispatch_duration_seconds",
			Help:    "Time to fan one event out to all connections of a conversation",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
		},
	)

	// DeliveryFailures counts per-connection send failures.
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_failures_total",
			Help: "Total per-connection delivery failures",
		},
	)

	// Admissions counts admission decisions by result.
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_admissions_total",
			Help: "Total connection admission decisions",
		},
		[]string{"result"},
	)

	// Acks counts acknowledgement outcomes.
	Acks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_acks_total",
			Help: "Acknowledgement tracker outcomes",
		},
		[]string{"outcome"},
	)

	// AcksPending tracks outstanding acknowledgements.
	AcksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_acks_pending",
			Help: "Number of deliveries waiting for acknowledgement",
		},
	)

	// ReplayRequests counts replay reads, split by truncation.
	ReplayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_replay_requests_total",
			Help: "Total replay log reads",
		},
		[]string{"truncated"},
	)

	// BridgeConnected is 1 while the event bus bridge holds a live subscription.
	BridgeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_bridge_connected",
			Help: "Whether the event bus bridge is subscribed to the broker",
		},
	)

	// BridgeReconnects counts resubscription attempts.
	BridgeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_bridge_reconnects_total",
			Help: "Total event bus resubscription attempts",
		},
	)

	// BridgeDropped counts bus messages that could not be decoded.
	BridgeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_bridge_dropped_total",
			Help: "Total malformed event bus messages dropped by the bridge",
		},
	)

	// PublishFailures counts publishes the event bus did not accept.
	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_publish_failures_total",
			Help: "Total publishes rejected by the event bus or its circuit breaker",
		},
	)

	// RateLimitKeys tracks how many client keys the admission limiter holds.
	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_ratelimit_keys",
			Help: "Number of client keys tracked by the admission rate limiter",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAdmission records the outcome of one admission attempt.
func RecordAdmission(result string) {
	Admissions.WithLabelValues(result).Inc()
}

// RecordReplay records one replay read.
func RecordReplay(truncated bool) {
	label := "false"
	if truncated {
		label = "true"
	}
	ReplayRequests.WithLabelValues(label).Inc()
}

// IncrementConnections increments the active connection count for a kind.
func IncrementConnections(kind string) {
	ConnectionsActive.WithLabelValues(kind).Inc()
}

// DecrementConnections decrements the active connection count for a kind.
func DecrementConnections(kind, reason string) {
	ConnectionsActive.WithLabelValues(kind).Dec()
	ConnectionsClosed.WithLabelValues(reason).Inc()
}
