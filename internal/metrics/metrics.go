// Package metrics exposes dispatch counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

const namespace = "dispatch"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	Commits           *prometheus.CounterVec
	Passes            prometheus.Counter
	PassDuration      prometheus.Histogram
	AssignmentsMade   prometheus.Counter
	Unmatched         prometheus.Gauge
	StaleRetries      prometheus.Counter
	EstimateFailures  prometheus.Counter
	AlertsRaised      *prometheus.CounterVec
	SubscribersDropped *prometheus.CounterVec
	PingsReceived     *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_deltas_total",
			Help:      "State deltas committed, by entity kind.",
		}, []string{"kind"}),
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_passes_total",
			Help:      "Completed assignment passes.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_pass_duration_seconds",
			Help:      "Wall time of assignment passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		AssignmentsMade: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Assignments committed by the engine.",
		}),
		Unmatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_unmatched",
			Help:      "Pending emergencies left unmatched by the last pass.",
		}),
		StaleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_stale_retries_total",
			Help:      "Passes restarted after a stale commit.",
		}),
		EstimateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eta_failures_total",
			Help:      "Failed travel time estimates.",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised or escalated, by kind and level.",
		}, []string{"kind", "level"}),
		SubscribersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_subscribers_dropped_total",
			Help:      "Subscribers dropped for overflowing their queue.",
		}, []string{"subscriber"}),
		PingsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Pings received, by entity kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Commits, m.Passes, m.PassDuration, m.AssignmentsMade, m.Unmatched,
		m.StaleRetries, m.EstimateFailures, m.AlertsRaised, m.SubscribersDropped,
		m.PingsReceived,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDeltas counts committed deltas.
func (m *Metrics) ObserveDeltas(deltas []models.StateDelta) {
	for _, d := range deltas {
		m.Commits.WithLabelValues(string(d.EntityKind)).Inc()
	}
}

// PassCompleted records one assignment pass.
func (m *Metrics) PassCompleted(d time.Duration, committed, unmatched int) {
	m.Passes.Inc()
	m.PassDuration.Observe(d.Seconds())
	m.AssignmentsMade.Add(float64(committed))
	m.Unmatched.Set(float64(unmatched))
}

// StaleRetry records a restarted pass.
func (m *Metrics) StaleRetry() { m.StaleRetries.Inc() }

// EstimateFailed records a failed estimate.
func (m *Metrics) EstimateFailed() { m.EstimateFailures.Inc() }

// AlertRaised records a raised alert.
func (m *Metrics) AlertRaised(a models.Alert) {
	m.AlertsRaised.WithLabelValues(string(a.Kind), string(a.Level)).Inc()
}

// SubscriberDropped records a dropped bus subscriber.
func (m *Metrics) SubscriberDropped(name string) {
	m.SubscribersDropped.WithLabelValues(name).Inc()
}

// PingReceived records an inbound ping and whether it was applied.
func (m *Metrics) PingReceived(kind models.EntityKind, err error) {
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	m.PingsReceived.WithLabelValues(string(kind), outcome).Inc()
}
