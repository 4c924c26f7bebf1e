// Package prommetrics implements goentitle.Metrics on Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Metrics implements goentitle.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	cacheHitsTotal             prometheus.Counter
	cacheMissesTotal           prometheus.Counter
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	recordsCreatedTotal        prometheus.Counter
	degradedTotal              *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ goentitle.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Total number of access decisions by reason.",
		}, []string{"reason", "allowed"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_cache_hits_total",
			Help:      "Total number of record cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_cache_misses_total",
			Help:      "Total number of record cache misses.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		recordsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_records_created_total",
			Help:      "Total number of lazily created trial records.",
		}),

		degradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_reads_total",
			Help:      "Total number of reads that failed open on storage errors.",
		}, []string{"component"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordDecision(reason goentitle.Reason, allowed bool) {
	m.decisionsTotal.WithLabelValues(string(reason), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if goentitle.IsStorageFailure(err) {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordRecordCreated() {
	m.recordsCreatedTotal.Inc()
}

func (m *Metrics) RecordDegraded(component string) {
	m.degradedTotal.WithLabelValues(component).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
