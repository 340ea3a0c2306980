// Package metrics exposes Prometheus counters for case lifecycle activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "closeloop"

// Metrics holds the counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CasesCreated      *prometheus.CounterVec
	DuplicatesRefused prometheus.Counter
	ClosuresRefused   prometheus.Counter
	ActionsClosed     *prometheus.CounterVec
	Escalations       *prometheus.CounterVec
}

// New registers the counters on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CasesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cases_created_total", Help: "Cases opened, by severity.",
		}, []string{"severity"}),
		DuplicatesRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_refused_total", Help: "Case creations refused as likely duplicates.",
		}),
		ClosuresRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "closures_refused_total", Help: "Close attempts blocked by closure validation.",
		}),
		ActionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_closed_total", Help: "QA actions closed, by severity.",
		}, []string{"severity"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_emitted_total", Help: "Escalation events emitted by scans, by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(m.CasesCreated, m.DuplicatesRefused, m.ClosuresRefused, m.ActionsClosed, m.Escalations)
	return m
}

func (m *Metrics) CaseCreated(severity string) {
	if m != nil {
		m.CasesCreated.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) DuplicateRefused() {
	if m != nil {
		m.DuplicatesRefused.Inc()
	}
}

func (m *Metrics) ClosureRefused() {
	if m != nil {
		m.ClosuresRefused.Inc()
	}
}

func (m *Metrics) ActionClosed(severity string) {
	if m != nil {
		m.ActionsClosed.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) Escalated(eventType string) {
	if m != nil {
		m.Escalations.WithLabelValues(eventType).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
