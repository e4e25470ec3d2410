// Package metrics holds the prometheus collectors for licensed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts payment webhook requests by outcome and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by reconcile outcome and HTTP status.",
	}, []string{"outcome", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensed",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	// LicenseTransitionsTotal counts committed license status changes.
	LicenseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "lifecycle",
		Name:      "license_transitions_total",
		Help:      "Committed license transitions by event, from and to state.",
	}, []string{"event", "from", "to"})

	// SubscriptionTransitionsTotal counts committed subscription cascades.
	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "lifecycle",
		Name:      "subscription_transitions_total",
		Help:      "Committed subscription transitions by from and to state.",
	}, []string{"from", "to"})

	// ActivationsTotal counts activation key consumption attempts by result.
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "lifecycle",
		Name:      "activations_total",
		Help:      "Activation key consumption attempts by result.",
	}, []string{"result"})

	// ConflictRetriesTotal counts optimistic-concurrency retries by operation.
	ConflictRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "store",
		Name:      "conflict_retries_total",
		Help:      "Read-modify-write retries after a concurrent modification.",
	}, []string{"op"})

	// ScanRunsTotal counts expiry scan passes by result.
	ScanRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "scanner",
		Name:      "runs_total",
		Help:      "Expiry scan passes by result (complete, interrupted, error).",
	}, []string{"result"})

	// ScanTransitionsTotal counts transitions applied by the expiry scanner.
	ScanTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "scanner",
		Name:      "transitions_total",
		Help:      "Transitions applied by the expiry scanner by kind.",
	}, []string{"kind"})

	// ScanDuration tracks expiry scan latency.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "licensed",
		Subsystem: "scanner",
		Name:      "duration_seconds",
		Help:      "Expiry scan pass duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// NotificationsTotal counts notification deliveries by kind and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by kind and result.",
	}, []string{"kind", "result"})

	// HTTPRequestsTotal counts API requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensed",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
