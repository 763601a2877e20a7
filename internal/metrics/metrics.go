// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pylonproxy/pylon/internal/usage"
)

// Metrics holds the proxy's Prometheus collectors. A single instance is
// created at startup and shared; the usage-record observer keeps request
// accounting in lockstep with the ledger.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	CostTotal       *prometheus.CounterVec
	ActiveRequests  prometheus.Gauge
}

// New registers the proxy collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pylon_requests_total",
				Help: "Completed requests by model, provider and outcome.",
			},
			[]string{"model", "provider", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pylon_request_duration_seconds",
				Help:    "End-to-end request latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model", "provider"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pylon_tokens_total",
				Help: "Tokens consumed, by direction (input or output).",
			},
			[]string{"model", "provider", "direction"},
		),
		CostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pylon_cost_usd_total",
				Help: "Accumulated cost in USD, where pricing is configured.",
			},
			[]string{"model", "provider"},
		),
		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pylon_active_requests",
				Help: "Number of currently in-flight completion requests.",
			},
		),
	}
}

// InFlight returns a middleware that tracks requests currently being
// served.
func (m *Metrics) InFlight() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()
		c.Next()
	}
}

// Recorder returns a usage.Recorder that feeds the collectors. It is
// meant to be fanned out alongside the persistent ledger.
func (m *Metrics) Recorder() usage.Recorder {
	return usage.RecorderFunc(func(_ context.Context, rec *usage.Record) {
		m.RequestsTotal.WithLabelValues(rec.Alias, rec.Provider, string(rec.Outcome)).Inc()
		m.RequestDuration.WithLabelValues(rec.Alias, rec.Provider).Observe(rec.Duration.Seconds())
		if rec.PromptTokens != nil {
			m.TokensTotal.WithLabelValues(rec.Alias, rec.Provider, "input").Add(float64(*rec.PromptTokens))
		}
		if rec.CompletionTokens != nil {
			m.TokensTotal.WithLabelValues(rec.Alias, rec.Provider, "output").Add(float64(*rec.CompletionTokens))
		}
		if rec.Cost != nil {
			m.CostTotal.WithLabelValues(rec.Alias, rec.Provider).Add(*rec.Cost)
		}
	})
}
