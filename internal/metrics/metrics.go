// Package metrics holds the prometheus collectors shared by every session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActiveSessions     prometheus.Gauge
	Connections        prometheus.Gauge
	Reactions          prometheus.Counter
	Questions          prometheus.Counter
	SlideChanges       prometheus.Counter
	Rejections         *prometheus.CounterVec
	BroadcastDropped   prometheus.Counter
	Checkpoints        prometheus.Counter
	CheckpointFailures prometheus.Counter
}

// New registers collectors on reg. A nil reg leaves them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse", Name: "active_sessions",
			Help: "Live session coordinators.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse", Name: "connections",
			Help: "Registered connections across all sessions.",
		}),
		Reactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Name: "reactions_total",
			Help: "Accepted reactions.",
		}),
		Questions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Name: "questions_total",
			Help: "Accepted questions.",
		}),
		SlideChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Name: "slide_changes_total",
			Help: "Accepted slide changes.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse", Name: "rejections_total",
			Help: "Rejected operations by reason.",
		}, []string{"reason"}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Name: "broadcast_dropped_total",
			Help: "Sends that failed and caused a connection to be dropped.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Name: "checkpoints_total",
			Help: "Checkpoints written.",
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Name: "checkpoint_failures_total",
			Help: "Checkpoint writes that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveSessions, m.Connections, m.Reactions, m.Questions, m.SlideChanges,
			m.Rejections, m.BroadcastDropped, m.Checkpoints, m.CheckpointFailures,
		)
	}
	return m
}

// Reject counts a rejected operation under its error text.
func (m *Metrics) Reject(err error) {
	if m == nil || err == nil {
		return
	}
	m.Rejections.WithLabelValues(err.Error()).Inc()
}
