// Package prommetrics exports billing reconciliation and provider metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const subsystem = "billing"

// webhookBuckets cover signature checks plus one store round trip.
var webhookBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	reconcileOutcomesTotal    *prometheus.CounterVec
	transitionsTotal          *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	return &Metrics{
		webhookEventsTotal: counter("webhook_events_total",
			"Verified webhook deliveries by event type and result.",
			"provider", "event_type", "status"),
		webhookProcessingDuration: histogram("webhook_processing_duration_seconds",
			"Time from receiving a webhook to acknowledging it.", webhookBuckets,
			"provider", "event_type"),
		webhookErrorsTotal: counter("webhook_errors_total",
			"Webhook deliveries rejected before reconciliation.",
			"provider", "error_type"),
		reconcileOutcomesTotal: counter("reconcile_outcomes_total",
			"Billing events by reconciliation outcome (applied, stale, dropped, dry_run).",
			"provider", "kind", "outcome"),
		transitionsTotal: counter("status_transitions_total",
			"Committed entitlement status transitions.",
			"provider", "from_status", "to_status"),
		userSyncTotal: counter("user_sync_total",
			"On-demand subscription syncs by result.",
			"provider", "status"),
		apiCallsTotal: counter("api_calls_total",
			"Calls to the payment processor API by endpoint and result.",
			"provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Latency of calls to the payment processor API.", prometheus.DefBuckets,
			"provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordReconcileOutcome(provider string, kind billing.EventKind, outcome string) {
	m.reconcileOutcomesTotal.WithLabelValues(provider, string(kind), outcome).Inc()
}

func (m *Metrics) RecordTransition(provider, fromStatus, toStatus string) {
	m.transitionsTotal.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
