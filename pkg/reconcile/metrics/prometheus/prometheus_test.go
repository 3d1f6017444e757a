package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

var _ reconcile.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_RecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEvent("invoice_paid", "applied")
	metrics.RecordEvent("invoice_paid", "applied")
	metrics.RecordEvent("invoice_paid", "duplicate")

	mf := gather(t, reg, "test_reconcile_events_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, counts["applied"])
	assert.Equal(t, 1.0, counts["duplicate"])
}

func TestPrometheusMetrics_RecordProcessingDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordProcessingDuration("checkout_completed", 40*time.Millisecond)

	mf := gather(t, reg, "test_reconcile_processing_duration_seconds")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusMetrics_Errors(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordError("transient")
	metrics.RecordSideEffectFailure("notification")

	errs := gather(t, reg, "test_reconcile_errors_total")
	assert.Equal(t, "transient", labelValue(errs.GetMetric()[0], "kind"))

	fx := gather(t, reg, "test_reconcile_side_effect_failures_total")
	assert.Equal(t, 1.0, fx.GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusMetrics_RecordLookup(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordLookup("success", 120*time.Millisecond)
	metrics.RecordLookup("circuit_open", 0)

	mf := gather(t, reg, "test_subscription_lookups_total")
	assert.Len(t, mf.GetMetric(), 2)
}

func TestPrometheusMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "test")

	assert.Panics(t, func() { NewMetrics(reg, "test") })
}
