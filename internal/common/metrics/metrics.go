// Package metrics holds the Prometheus collectors shared by the payment service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provider calls
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_provider_requests_total",
			Help: "Provider API calls by provider, operation and result",
		},
		[]string{"provider", "operation", "result"}, // ok|unavailable|rejected
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payments_provider_latency_seconds",
			Help:    "Latency of provider API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// Reconciliation
	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_outcomes_total",
			Help: "Outcomes applied to transactions",
		},
		[]string{"provider", "source", "kind", "result"}, // applied|duplicate|conflict|not_found|error
	)
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_webhooks_total",
			Help: "Webhook deliveries by provider and disposition",
		},
		[]string{"provider", "disposition"},
	)
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_escalations_total",
			Help: "Audit records written for events that could not be applied",
		},
		[]string{"kind"},
	)
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_refunds_total",
			Help: "Refund attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	initOnce sync.Once
)

// Handler serves /metrics.
var Handler = promhttp.Handler

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(ProviderRequests)
		prometheus.MustRegister(ProviderLatency)
		prometheus.MustRegister(OutcomesTotal)
		prometheus.MustRegister(WebhooksTotal)
		prometheus.MustRegister(EscalationsTotal)
		prometheus.MustRegister(RefundsTotal)
	})
}

// ObserveProvider records one provider call.
func ObserveProvider(provider, operation string, start time.Time, result string) {
	ProviderLatency.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	ProviderRequests.WithLabelValues(provider, operation, result).Inc()
}
