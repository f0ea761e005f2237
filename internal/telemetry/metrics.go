package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the Cadenza core. Each service
// instance owns its own registry so tests never share collector state.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal        *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	AdmissionDecided *prometheus.CounterVec
	OutboundCalls    *prometheus.CounterVec
	BreakerState     prometheus.Gauge
	SessionsActive   prometheus.Gauge
	ArtifactsEvicted prometheus.Counter
	SessionsEvicted  prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadenza_jobs_total",
			Help: "Generation jobs by terminal status.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadenza_job_duration_seconds",
			Help:    "Job processing time from start to terminal state.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		AdmissionDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadenza_admission_decisions_total",
			Help: "Admission decisions by outcome and deny reason.",
		}, []string{"outcome", "reason"}),
		OutboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadenza_backend_calls_total",
			Help: "Calls to the generation backend by result.",
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadenza_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadenza_sessions_active",
			Help: "Sessions currently held by the registry.",
		}),
		ArtifactsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_artifacts_evicted_total",
			Help: "Artifacts evicted to make room under the per-session bound.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_sessions_evicted_total",
			Help: "Sessions destroyed, by the sweeper or explicitly.",
		}),
	}
	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.AdmissionDecided,
		m.OutboundCalls,
		m.BreakerState,
		m.SessionsActive,
		m.ArtifactsEvicted,
		m.SessionsEvicted,
	)
	return m
}

// Handler serves the metrics registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
