// Package metrics holds the Prometheus collectors for the intake core.
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funding_intake"

// Metrics groups every collector the service exports.
type Metrics struct {
	registry prometheus.Gatherer

	dedupChecks          *prometheus.CounterVec
	dedupDuration        prometheus.Histogram
	dedupSkipped         *prometheus.CounterVec
	routingDecisions     *prometheus.CounterVec
	routingConfidence    prometheus.Histogram
	conflicts            *prometheus.CounterVec
	lifecycleTransitions *prometheus.CounterVec
	validations          *prometheus.CounterVec
	monitoringChecks     *prometheus.CounterVec
	collaboratorFailures *prometheus.CounterVec
	lockWait             prometheus.Histogram
	snapshots            *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and gathers from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		registry: g,
		dedupChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_checks_total",
			Help:      "Deduplication checks by decisive match type.",
		}, []string{"match_type"}),
		dedupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dedup_check_duration_seconds",
			Help:      "Wall time of one deduplication check.",
			Buckets:   prometheus.DefBuckets,
		}),
		dedupSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_layers_skipped_total",
			Help:      "Deduplication layers skipped because an input was unavailable.",
		}, []string{"layer"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by outcome.",
		}, []string{"decision"}),
		routingConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_overall_confidence",
			Help:      "Distribution of overall routing confidence.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_conflicts_total",
			Help:      "Extractor disagreements by field and resolution.",
		}, []string{"field", "resolved"}),
		lifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Source lifecycle transitions.",
		}, []string{"from", "to"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_validations_total",
			Help:      "Source validations by outcome.",
		}, []string{"outcome"}),
		monitoringChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitoring_checks_total",
			Help:      "Scheduled source reachability checks by result.",
		}, []string{"result"}),
		collaboratorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_failures_total",
			Help:      "Failed or timed-out calls to external collaborators.",
		}, []string{"collaborator"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fingerprint_lock_wait_seconds",
			Help:      "Time spent waiting for a per-fingerprint lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "performance_snapshots_total",
			Help:      "Performance snapshots by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.dedupChecks, m.dedupDuration, m.dedupSkipped,
		m.routingDecisions, m.routingConfidence, m.conflicts,
		m.lifecycleTransitions, m.validations, m.monitoringChecks,
		m.collaboratorFailures, m.lockWait, m.snapshots,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDedup(matchType string, d time.Duration, skipped []string) {
	if m == nil {
		return
	}
	m.dedupChecks.WithLabelValues(matchType).Inc()
	m.dedupDuration.Observe(d.Seconds())
	for _, layer := range skipped {
		m.dedupSkipped.WithLabelValues(layer).Inc()
	}
}

func (m *Metrics) ObserveRouting(decision string, confidence float64) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(decision).Inc()
	m.routingConfidence.Observe(confidence)
}

func (m *Metrics) ObserveConflict(field string, resolved bool) {
	if m == nil {
		return
	}
	label := "true"
	if !resolved {
		label = "false"
	}
	m.conflicts.WithLabelValues(field, label).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.lifecycleTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveMonitoringCheck(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.monitoringChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) CollaboratorFailure(name string) {
	if m == nil {
		return
	}
	m.collaboratorFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveSnapshot(status string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(status).Inc()
}
