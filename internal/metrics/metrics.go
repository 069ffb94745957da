// Package metrics exposes Prometheus instruments for the workflow engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	DecisionsRecorded *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	DispatchLatency   prometheus.Histogram
	OverdueStages     *prometheus.GaugeVec
	LockWait          prometheus.Histogram
}

// New registers all instruments with reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		DecisionsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_decisions_recorded_total",
			Help: "Stage decisions appended to the ledger by kind and decision",
		}, []string{"kind", "decision"}),

		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_status_transitions_total",
			Help: "Derived case status changes",
		}, []string{"kind", "from", "to"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_notifications_total",
			Help: "Consolidated notification outcomes",
		}, []string{"outcome"}), // dispatched, failed, already_dispatched

		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagegate_notification_dispatch_duration_seconds",
			Help:    "Duration of notification gateway calls",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		OverdueStages: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagegate_overdue_stages",
			Help: "Open stages past their deadline at the last sweep",
		}, []string{"kind"}),

		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagegate_case_lock_wait_seconds",
			Help:    "Time spent waiting for a per-case lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncDecision(kind, decision string) {
	if m != nil {
		m.DecisionsRecorded.WithLabelValues(kind, decision).Inc()
	}
}

func (m *Metrics) IncTransition(kind, from, to string) {
	if m != nil {
		m.StatusTransitions.WithLabelValues(kind, from, to).Inc()
	}
}

func (m *Metrics) IncNotification(outcome string) {
	if m != nil {
		m.Notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m != nil {
		m.DispatchLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m != nil {
		m.LockWait.Observe(d.Seconds())
	}
}

// SetOverdue replaces the per-kind overdue gauge with counts.
func (m *Metrics) SetOverdue(counts map[string]int) {
	if m == nil {
		return
	}
	m.OverdueStages.Reset()
	for kind, n := range counts {
		m.OverdueStages.WithLabelValues(kind).Set(float64(n))
	}
}
