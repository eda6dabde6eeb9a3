// Package metrics holds the Prometheus collectors for routing and learning.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seraph"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	assignments   *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	agentResults  *prometheus.CounterVec
	relationships prometheus.Counter
	generations   *prometheus.CounterVec
	reg           prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "assignments_total",
			Help:      "Assignment requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "cycles_total",
			Help:      "Learning cycles by trigger.",
		}, []string{"trigger"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a learning cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		agentResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "agent_results_total",
			Help:      "Per-agent learning results by mode and status.",
		}, []string{"mode", "status"}),
		relationships: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "relationship_upserts_total",
			Help:      "Relationship edges written by the graph builder.",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "generations_total",
			Help:      "Text-generation calls by provider and result.",
		}, []string{"provider", "result"}),
		reg: reg,
	}
	reg.MustRegister(m.assignments, m.cycles, m.cycleDuration, m.agentResults, m.relationships, m.generations)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Assignment(mode, outcome string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Cycle(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(trigger).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) AgentResult(mode string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.agentResults.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) RelationshipsUpserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relationships.Add(float64(n))
}

// Generation matches the provider.Router result callback.
func (m *Metrics) Generation(providerID, result string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(providerID, result).Inc()
}
