// Package metrics exposes Prometheus collectors for acquisition sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kalambet/leadchat/internal/lead"
)

const namespace = "leadchat"

// Sessions records session lifecycle counters. A nil *Sessions is valid and
// records nothing.
type Sessions struct {
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	faults    *prometheus.CounterVec
	fallbacks prometheus.Counter
	challenge prometheus.Counter
	records   prometheus.Counter
	active    prometheus.Gauge
}

// New registers the session collectors on reg.
func New(reg prometheus.Registerer) *Sessions {
	f := promauto.With(reg)
	return &Sessions{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Acquisition sessions started, by source.",
		}, []string{"source"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Acquisition sessions finished, by outcome.",
		}, []string{"outcome"}),
		faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_faults_total",
			Help:      "Event stream faults, by kind (transient, permanent).",
		}, []string{"kind"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fallbacks_total",
			Help:      "Single-shot fallbacks issued after a lost event stream.",
		}),
		challenge: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Sessions suspended behind a challenge.",
		}),
		records: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_returned_total",
			Help:      "Records delivered to callers.",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently starting, streaming or resuming.",
		}),
	}
}

func (m *Sessions) SessionStarted(source lead.Source) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(source)).Inc()
	m.active.Inc()
}

func (m *Sessions) SessionResumed() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// SessionFinished is called when a run leaves the active states, including
// when it suspends on a challenge.
func (m *Sessions) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(outcome).Inc()
	m.active.Dec()
}

func (m *Sessions) StreamFault(permanent bool) {
	if m == nil {
		return
	}
	kind := "transient"
	if permanent {
		kind = "permanent"
	}
	m.faults.WithLabelValues(kind).Inc()
}

func (m *Sessions) Fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Sessions) Challenge() {
	if m == nil {
		return
	}
	m.challenge.Inc()
}

func (m *Sessions) RecordsReturned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.Add(float64(n))
}
