package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecutionCardinalityCap(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, 2)

	m.RecordExecution(1, "success", 0.1, 2)
	m.RecordExecution(2, "success", 0.2, 3)
	m.RecordExecution(3, "success", 0.3, 4) // over the cap, dropped

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() == "rule_execution_total" {
			assert.Len(t, fam.GetMetric(), 2, "third chain id is rejected by the series cap")
		}
	}
}

func TestAllowRemembersExistingSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, 1)

	assert.True(t, m.allow("rule_execution_total", "1|success"))
	assert.True(t, m.allow("rule_execution_total", "1|success"), "an existing series is always allowed")
	assert.False(t, m.allow("rule_execution_total", "2|success"))
}

func TestSetQueueStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, 10)

	m.SetQueueStats(5, 2, 100, 0, 1)

	assert.Equal(t, 1.0, testGaugeValue(t, reg, "rule_engine_queue_health"))
	assert.Equal(t, 6.0, testGaugeValue(t, reg, "rule_engine_queue_total_pending"))
}

func TestHealthScore(t *testing.T) {
	assert.Equal(t, 0.0, healthScore(0, 0))
	assert.Equal(t, 1.0, healthScore(5, 0))
	assert.Equal(t, 2.0, healthScore(2000, 0))
	assert.Equal(t, 3.0, healthScore(5, 1))
	assert.Equal(t, 4.0, healthScore(2000, 1))
}

func TestSetBackpressureState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, 10)

	m.SetBackpressureState(2, 1000, 5000)

	assert.Equal(t, 2.0, testGaugeValue(t, reg, "rule_engine_backpressure_circuit_state"))
	assert.Equal(t, 5000.0, testGaugeValue(t, reg, "rule_engine_backpressure_critical_depth"))
}

func testGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			require.NotEmpty(t, fam.GetMetric())
			return fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
