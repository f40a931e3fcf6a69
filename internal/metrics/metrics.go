package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks batch runs and per-plan pipeline outcomes. A nil
// receiver disables collection, which tests rely on.
type EngineMetrics struct {
	batchRuns     prometheus.Counter
	batchDuration prometheus.Histogram
	executions    *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		batchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "engine",
			Name:      "batch_runs_total",
			Help:      "Number of scheduler batch runs.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stride",
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Duration of scheduler batch runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Plan pipeline outcomes.",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "api",
			Name:      "webhooks_total",
			Help:      "Inbound webhook events by source and result.",
		}, []string{"source", "result"}),
	}
	reg.MustRegister(m.batchRuns, m.batchDuration, m.executions, m.webhooks)
	return m
}

func (m *EngineMetrics) ObserveBatch(seconds float64) {
	if m == nil {
		return
	}
	m.batchRuns.Inc()
	m.batchDuration.Observe(seconds)
}

func (m *EngineMetrics) CountExecution(outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) CountWebhook(source, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(source, result).Inc()
}
