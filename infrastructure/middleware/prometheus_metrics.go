// Package middleware provides cross-cutting observability for the
// workflow orchestration core.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentflow-io/agentflow/internal/ports"
)

// PrometheusMetrics implements the MetricsCollector interface using
// Prometheus. It covers execution outcomes, per-node latency, queue wait
// times, and provider token throughput.
type PrometheusMetrics struct {
	executionLatency *prometheus.HistogramVec
	nodeLatency      *prometheus.HistogramVec
	queueWait        *prometheus.HistogramVec
	chatLatency      *prometheus.HistogramVec
	operationCounter *prometheus.CounterVec
	tokenHistogram   *prometheus.HistogramVec
	systemGauges     *prometheus.GaugeVec
}

// Compile-time verification that PrometheusMetrics implements
// MetricsCollector.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a PrometheusMetrics instance and registers
// all metrics in the given registerer; nil uses the global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		executionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Wall-clock duration of workflow executions.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		nodeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_node_duration_seconds",
				Help:    "Execution time of individual workflow nodes.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node", "type"},
		),
		queueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_queue_wait_seconds",
				Help:    "Time traversals spend waiting for queue admission.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"queue"},
		),
		chatLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_chat_request_duration_seconds",
				Help:    "Latency of chat completion requests by provider.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_operations_total",
				Help: "Total operations performed by the orchestration core.",
			},
			[]string{"operation", "status"},
		),
		tokenHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_chat_tokens",
				Help:    "Token usage per chat completion request.",
				Buckets: prometheus.ExponentialBuckets(16, 2, 12),
			},
			[]string{"provider", "model"},
		),
		systemGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_system_state",
				Help: "Current system state values for the orchestration core.",
			},
			[]string{"metric"},
		),
	}
}

// RecordLatency routes known operations onto their dedicated histograms
// and everything else onto the execution histogram.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	seconds := duration.Seconds()
	switch operation {
	case "execution":
		pm.executionLatency.WithLabelValues(orUnknown(labels["status"])).Observe(seconds)
	case "node_execution":
		pm.nodeLatency.WithLabelValues(orUnknown(labels["node"]), orUnknown(labels["type"])).Observe(seconds)
	case "queue_wait":
		pm.queueWait.WithLabelValues(orUnknown(labels["queue"])).Observe(seconds)
	case "chat_request":
		pm.chatLatency.WithLabelValues(orUnknown(labels["provider"]), orUnknown(labels["model"])).Observe(seconds)
	default:
		pm.executionLatency.WithLabelValues(operation).Observe(seconds)
	}
}

// RecordCounter increments the operation counter for the metric.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	status := labels["status"]
	if status == "" {
		status = "success"
	}
	pm.operationCounter.WithLabelValues(metric, status).Add(value)
}

// RecordGauge sets a system state gauge.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	pm.systemGauges.WithLabelValues(metric).Set(value)
}

// RecordHistogram records token throughput for chat requests; other
// metrics land on the execution histogram keyed by name.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	if metric == "chat_tokens" {
		pm.tokenHistogram.WithLabelValues(orUnknown(labels["provider"]), orUnknown(labels["model"])).Observe(value)
		return
	}
	pm.executionLatency.WithLabelValues(metric).Observe(value)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
