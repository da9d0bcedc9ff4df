package gatemetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not registered", name)
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

func TestOrdersByStatusExposesLabelledGauges(t *testing.T) {
	OrdersByStatus.WithLabelValues("pending").Set(3)
	OrdersByStatus.WithLabelValues("paid").Set(5)

	mf := gather(t, "slipgate_orders_by_status")
	assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())

	values := map[string]float64{}
	for _, m := range mf.GetMetric() {
		values[labelValue(m, "status")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, 3.0, values["pending"])
	assert.Equal(t, 5.0, values["paid"])
}

func TestPlatformErrorsCountByOpAndKind(t *testing.T) {
	c := PlatformErrorsTotal.WithLabelValues("add_role", "transient_io")
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	before := m.GetCounter().GetValue()

	c.Inc()
	c.Inc()

	m = &dto.Metric{}
	require.NoError(t, c.Write(m))
	assert.Equal(t, before+2, m.GetCounter().GetValue())
	assert.Equal(t, "add_role", labelValue(m, "op"))
	assert.Equal(t, "transient_io", labelValue(m, "kind"))
}

func TestSweepDurationIsHistogram(t *testing.T) {
	SweepDuration.Observe(0.02)

	mf := gather(t, "slipgate_sweeper_tick_duration_seconds")
	require.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
	require.Len(t, mf.GetMetric(), 1)
	assert.GreaterOrEqual(t, mf.GetMetric()[0].GetHistogram().GetSampleCount(), uint64(1))
}
