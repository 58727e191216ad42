// Package observability provides Prometheus metrics, health checks, and the
// side-port metrics server.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	providerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_provider_calls_total",
			Help: "Payment gateway calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_subscription_transitions_total",
			Help: "Subscription state transitions",
		},
		[]string{"from", "to"},
	)
)

// RecordHTTPRequest records one served HTTP request
func RecordHTTPRequest(route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, status).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordWebhookEvent records a webhook delivery outcome
// (applied, deduplicated, skipped, rejected, conflict, error)
func RecordWebhookEvent(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordProviderCall records a payment gateway call outcome
func RecordProviderCall(operation, outcome string) {
	providerCallsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordStateTransition records a subscription state change
func RecordStateTransition(from, to string) {
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}
