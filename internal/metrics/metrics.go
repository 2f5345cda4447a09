// Package metrics exposes the rule engine's Prometheus surface,
// registered against a private registry (not the global default) so
// tests can spin up independent instances.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the queue, backpressure, and rule-execution
// instruments. Label cardinality is guarded by capping distinct
// series per metric.
type Metrics struct {
	QueueWaiting      prometheus.Gauge
	QueueActive       prometheus.Gauge
	QueueCompleted    prometheus.Gauge
	QueueFailed       prometheus.Gauge
	QueueDelayed      prometheus.Gauge
	QueueTotalPending prometheus.Gauge
	Workers           prometheus.Gauge
	QueueHealth       prometheus.Gauge

	BackpressureCircuitState  prometheus.Gauge
	BackpressureRejectedTotal prometheus.Counter
	BackpressureWarningDepth  prometheus.Gauge
	BackpressureCriticalDepth prometheus.Gauge

	RuleExecutionTotal    *prometheus.CounterVec
	RuleExecutionDuration *prometheus.HistogramVec
	RuleExecutionNodes    *prometheus.GaugeVec

	maxSeries int
	mu        sync.Mutex
	seen      map[string]map[string]bool // metric name -> label value set
}

func New(reg *prometheus.Registry, maxSeriesPerMetric int) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		QueueWaiting:      factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_waiting"}),
		QueueActive:       factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_active"}),
		QueueCompleted:    factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_completed"}),
		QueueFailed:       factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_failed"}),
		QueueDelayed:      factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_delayed"}),
		QueueTotalPending: factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_total_pending"}),
		Workers:           factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_workers"}),
		QueueHealth:       factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_queue_health"}),

		BackpressureCircuitState:  factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_backpressure_circuit_state"}),
		BackpressureRejectedTotal: factory.NewCounter(prometheus.CounterOpts{Name: "rule_engine_backpressure_rejected_total"}),
		BackpressureWarningDepth:  factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_backpressure_warning_depth"}),
		BackpressureCriticalDepth: factory.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_backpressure_critical_depth"}),

		RuleExecutionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rule_execution_total",
		}, []string{"ruleChainId", "status"}),
		RuleExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rule_execution_duration_seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"ruleChainId"}),
		RuleExecutionNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rule_execution_nodes_executed",
		}, []string{"ruleChainId"}),

		maxSeries: maxSeriesPerMetric,
		seen:      map[string]map[string]bool{},
	}
	return m
}

// allow reports whether a new label combination may be recorded for
// metricName, enforcing the per-metric series cap. ruleChainId is
// unbounded by nature, so the guard is the cardinality cap itself.
func (m *Metrics) allow(metricName, labelKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.seen[metricName]
	if !ok {
		set = map[string]bool{}
		m.seen[metricName] = set
	}
	if set[labelKey] {
		return true
	}
	if len(set) >= m.maxSeries {
		return false
	}
	set[labelKey] = true
	return true
}

// RecordExecution records one rule-chain execution's outcome, duration
// and node count, dropping the observation if it would exceed the
// cardinality cap for that ruleChainId.
func (m *Metrics) RecordExecution(ruleChainID int64, status string, duration float64, nodesExecuted int) {
	id := fmt.Sprintf("%d", ruleChainID)
	if !m.allow("rule_execution_total", id+"|"+status) {
		return
	}
	m.RuleExecutionTotal.WithLabelValues(id, status).Inc()
	if m.allow("rule_execution_duration_seconds", id) {
		m.RuleExecutionDuration.WithLabelValues(id).Observe(duration)
	}
	if m.allow("rule_execution_nodes_executed", id) {
		m.RuleExecutionNodes.WithLabelValues(id).Set(float64(nodesExecuted))
	}
}

// SetQueueStats updates the gauge group the manager reports on every
// enqueue/dequeue cycle.
func (m *Metrics) SetQueueStats(waiting, active, completed, failed, delayed int) {
	m.QueueWaiting.Set(float64(waiting))
	m.QueueActive.Set(float64(active))
	m.QueueCompleted.Set(float64(completed))
	m.QueueFailed.Set(float64(failed))
	m.QueueDelayed.Set(float64(delayed))
	m.QueueTotalPending.Set(float64(waiting + delayed))
	m.QueueHealth.Set(healthScore(waiting, failed))
}

// healthScore maps queue conditions onto the 0..4 health scale:
// 0 idle, 4 failing hard.
func healthScore(waiting, failed int) float64 {
	switch {
	case failed > 0 && waiting > 1000:
		return 4
	case failed > 0:
		return 3
	case waiting > 1000:
		return 2
	case waiting > 0:
		return 1
	default:
		return 0
	}
}

// SetBackpressureState mirrors the controller's current circuit state
// (0 closed, 1 half_open, 2 open) and thresholds.
func (m *Metrics) SetBackpressureState(state int, warning, critical int) {
	m.BackpressureCircuitState.Set(float64(state))
	m.BackpressureWarningDepth.Set(float64(warning))
	m.BackpressureCriticalDepth.Set(float64(critical))
}

func (m *Metrics) IncBackpressureRejected() {
	m.BackpressureRejectedTotal.Inc()
}
