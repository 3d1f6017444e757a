package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec
	sideEffectFailures *prometheus.CounterVec
	lookupsTotal       *prometheus.CounterVec
	lookupDuration     *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Total number of provider events processed, by category and outcome.",
		}, []string{"category", "outcome"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_processing_duration_seconds",
			Help:      "Latency of event reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Total number of failed deliveries, by error kind.",
		}, []string{"kind"}),

		sideEffectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_side_effect_failures_total",
			Help:      "Total number of side effects that failed after commit.",
		}, []string{"kind"}),

		lookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_lookups_total",
			Help:      "Total number of provider subscription lookups.",
		}, []string{"status"}),

		lookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_lookup_duration_seconds",
			Help:      "Latency of provider subscription lookups.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordEvent(category, outcome string) {
	m.eventsTotal.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) RecordProcessingDuration(category string, duration time.Duration) {
	m.processingDuration.WithLabelValues(category).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSideEffectFailure(kind string) {
	m.sideEffectFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLookup(status string, duration time.Duration) {
	m.lookupsTotal.WithLabelValues(status).Inc()
	m.lookupDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
