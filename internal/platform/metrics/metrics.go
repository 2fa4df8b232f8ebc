// Package metrics holds the Prometheus instruments for the specimen lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionFailures *prometheus.CounterVec
	SpecimensCreated   prometheus.Counter
	BulkDuration       *prometheus.HistogramVec
	BulkModified       *prometheus.CounterVec
	SweepExpired       prometheus.Counter
	PublishFailures    prometheus.Counter
}

// New registers all lifecycle metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_specimen_transitions_total",
			Help: "Specimen status transitions persisted, by source and target status",
		}, []string{"from", "to"}),
		TransitionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_specimen_transition_failures_total",
			Help: "Rejected or failed transition attempts, by reason",
		}, []string{"reason"}),
		SpecimensCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "lis_specimens_created_total",
			Help: "Specimens accessioned",
		}),
		BulkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lis_bulk_transition_duration_seconds",
			Help:    "Duration of bulk transitions",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"target"}),
		BulkModified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_bulk_transition_modified_total",
			Help: "Specimens modified by bulk transitions, by target status",
		}, []string{"target"}),
		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "lis_expiry_sweep_expired_total",
			Help: "Specimens moved to expired by the expiry sweep",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "lis_event_publish_failures_total",
			Help: "Lifecycle events that could not be published",
		}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.TransitionFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementCreated() {
	if m == nil {
		return
	}
	m.SpecimensCreated.Inc()
}

// ObserveBulk records one bulk call. Call with time.Now() taken at the start.
func (m *Metrics) ObserveBulk(target string, start time.Time, modified int) {
	if m == nil {
		return
	}
	m.BulkDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	m.BulkModified.WithLabelValues(target).Add(float64(modified))
}

func (m *Metrics) AddSweepExpired(n int) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(float64(n))
}

func (m *Metrics) IncrementPublishFailures() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}
