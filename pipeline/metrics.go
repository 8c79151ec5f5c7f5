package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives engine measurement callbacks. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// RunFinished records a terminal run with its final status.
	RunFinished(status RunStatus)

	// StageObserved records one stage execution with its latency.
	StageObserved(stage StageKind, status string, d time.Duration)

	// HookExecuted records one hook body execution.
	HookExecuted(kind HookKind, status string)

	// WorkerDelta adjusts the in-flight parallel worker gauge.
	WorkerDelta(delta int)

	// Cancelled records an external cancellation.
	Cancelled()
}

// NullMetrics discards all measurements.
type NullMetrics struct{}

func (NullMetrics) RunFinished(RunStatus)                        {}
func (NullMetrics) StageObserved(StageKind, string, time.Duration) {}
func (NullMetrics) HookExecuted(HookKind, string)                {}
func (NullMetrics) WorkerDelta(int)                              {}
func (NullMetrics) Cancelled()                                   {}

// PrometheusMetrics implements Metrics with Prometheus collectors.
//
// Exposed metrics (all prefixed mlpipe_):
//   - mlpipe_runs_total{status}: terminal runs by final status
//   - mlpipe_stage_duration_seconds{stage,status}: stage latency histogram
//   - mlpipe_hook_executions_total{kind,status}: hook bodies by outcome
//   - mlpipe_inflight_workers: live parallel sub-unit workers
//   - mlpipe_cancellations_total: external run cancellations
type PrometheusMetrics struct {
	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	hookTotal     *prometheus.CounterVec
	workers       prometheus.Gauge
	cancellations prometheus.Counter
}

// NewPrometheusMetrics creates collectors registered on the given
// registerer. Pass prometheus.DefaultRegisterer for the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlpipe_runs_total",
			Help: "Terminal runs by final status.",
		}, []string{"status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mlpipe_stage_duration_seconds",
			Help:    "Stage execution latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"stage", "status"}),
		hookTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlpipe_hook_executions_total",
			Help: "Hook body executions by kind and outcome.",
		}, []string{"kind", "status"}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mlpipe_inflight_workers",
			Help: "Parallel sub-unit workers currently executing.",
		}),
		cancellations: factory.NewCounter(prometheus.CounterOpts{
			Name: "mlpipe_cancellations_total",
			Help: "Externally cancelled runs.",
		}),
	}
}

func (p *PrometheusMetrics) RunFinished(status RunStatus) {
	p.runsTotal.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusMetrics) StageObserved(stage StageKind, status string, d time.Duration) {
	p.stageDuration.WithLabelValues(string(stage), status).Observe(d.Seconds())
}

func (p *PrometheusMetrics) HookExecuted(kind HookKind, status string) {
	p.hookTotal.WithLabelValues(string(kind), status).Inc()
}

func (p *PrometheusMetrics) WorkerDelta(delta int) {
	p.workers.Add(float64(delta))
}

func (p *PrometheusMetrics) Cancelled() {
	p.cancellations.Inc()
}
