// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openskills/osp-server/pkg/models"
)

// Metrics bundles the server collectors around a private registry so
// tests can run multiple instances without duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	DegradationLevel  prometheus.Gauge
	LLMTokensUsed     *prometheus.CounterVec
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osp_requests_total",
			Help: "Total JSON-RPC requests by method and HTTP status.",
		}, []string{"method", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osp_agent_execution_duration_seconds",
			Help:    "Skill execution latency by skill id.",
			Buckets: prometheus.DefBuckets,
		}, []string{"skill_id"}),
		DegradationLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osp_degradation_level",
			Help: "Current degradation level (0=D0 .. 3=D3).",
		}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osp_llm_tokens_used",
			Help: "Tokens consumed by model backends.",
		}, []string{"model"}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.ExecutionDuration,
		m.DegradationLevel,
		m.LLMTokensUsed,
	)
	return m
}

// ObserveDegradation keeps the gauge in sync with the controller.
func (m *Metrics) ObserveDegradation(level models.DegradationLevel) {
	m.DegradationLevel.Set(float64(level))
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
