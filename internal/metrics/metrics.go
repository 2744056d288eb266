package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector the pipeline exposes.
type Registry struct {
	reg *prometheus.Registry

	DocumentsTotal   *prometheus.CounterVec
	PipelineLatency  *prometheus.HistogramVec
	RoutingTotal     *prometheus.CounterVec
	BatchesTotal     *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	FallbackTotal    *prometheus.CounterVec
	ValidationTotal  *prometheus.CounterVec
	GPUFreeMemoryMB  *prometheus.GaugeVec
	RateLimitedTotal prometheus.Counter

	// Durable-dispatch circuit breaker metrics.
	TemporalUp            prometheus.Gauge
	TemporalCircuitState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	TemporalFallbackTotal prometheus.Counter
}

// New creates and registers every collector against a fresh, private
// Prometheus registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DocumentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipeline_documents_total",
			Help: "Total documents processed by final pipeline status",
		}, []string{"status"}),
		PipelineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docpipeline_pipeline_latency_ms",
			Help:    "End-to-end document pipeline latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"task_type"}),
		RoutingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipeline_routing_decisions_total",
			Help: "Total routing decisions by outcome",
		}, []string{"task_type", "outcome"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipeline_batches_total",
			Help: "Total batches executed by model and outcome",
		}, []string{"model", "outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docpipeline_batch_size",
			Help:    "Number of tasks per executed batch",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipeline_fallback_actions_total",
			Help: "Total fallback actions taken by action kind",
		}, []string{"action"}),
		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipeline_validation_total",
			Help: "Total output validations by issue type (empty for pass)",
		}, []string{"issue_type"}),
		GPUFreeMemoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipeline_gpu_free_memory_mb",
			Help: "Last sampled free GPU memory in megabytes",
		}, []string{"gpu_index"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipeline_rate_limited_total",
			Help: "Total requests rejected by the per-IP rate limiter",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docpipeline_temporal_up",
			Help: "Whether the Temporal workflow engine is connected (1=up, 0=down/disabled)",
		}),
		TemporalCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docpipeline_temporal_circuit_state",
			Help: "Temporal circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipeline_temporal_fallback_total",
			Help: "Total batches that fell back to direct execution due to the circuit breaker",
		}),
	}
	reg.MustRegister(
		m.DocumentsTotal, m.PipelineLatency, m.RoutingTotal, m.BatchesTotal, m.BatchSize,
		m.FallbackTotal, m.ValidationTotal, m.GPUFreeMemoryMB, m.RateLimitedTotal,
		m.TemporalUp, m.TemporalCircuitState, m.TemporalFallbackTotal,
	)
	return m
}

// Handler exposes the registry's collectors for scraping.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
