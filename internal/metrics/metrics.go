// Package metrics exposes edge decision counters for Prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recaptcha_edge"

// Metrics holds the collectors. Each instance owns its registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	localAssessments *prometheus.CounterVec
	policyCache      *prometheus.CounterVec
	fallbacks        prometheus.Counter
	injections       prometheus.Counter
	stageSeconds     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Requests by terminal disposition.",
		}, []string{"disposition"}),
		localAssessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_assessments_total",
			Help:      "Local policy assessments by outcome.",
		}, []string{"outcome"}),
		policyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_cache_total",
			Help:      "Policy list lookups by cache outcome.",
		}, []string{"outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_fallbacks_total",
			Help:      "Decisions that failed and defaulted to allow.",
		}),
		injections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_injections_total",
			Help:      "Responses the session script was injected into.",
		}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of pipeline stages and external calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.localAssessments,
		m.policyCache,
		m.fallbacks,
		m.injections,
		m.stageSeconds,
	)
	return m
}

// Decision counts a request by its terminal disposition.
func (m *Metrics) Decision(disposition string) {
	m.decisions.WithLabelValues(disposition).Inc()
}

// LocalAssessment counts a local assessment outcome.
func (m *Metrics) LocalAssessment(outcome string) {
	m.localAssessments.WithLabelValues(outcome).Inc()
}

// PolicyCache counts a policy cache outcome; empty outcomes are skipped.
func (m *Metrics) PolicyCache(outcome string) {
	if outcome == "" {
		return
	}
	m.policyCache.WithLabelValues(outcome).Inc()
}

// Fallback counts a decision that defaulted to allow after an error.
func (m *Metrics) Fallback() { m.fallbacks.Inc() }

// Injection counts a script injection.
func (m *Metrics) Injection() { m.injections.Inc() }

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.stageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
