// Package metrics provides Prometheus metrics for attendance sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rollcall"

// Metrics holds all Prometheus metrics for a session.
type Metrics struct {
	// Frame metrics
	FramesTotal   prometheus.Counter
	FrameDuration prometheus.Histogram
	FacesDetected prometheus.Counter

	// Recognition and liveness metrics
	MatchesTotal     *prometheus.CounterVec
	BlinksConfirmed  prometheus.Counter
	KnownIdentities  prometheus.Gauge
	MarkedIdentities prometheus.Gauge

	// Persistence metrics
	AttendanceMarked   prometheus.Counter
	PersistFailures    prometheus.Counter
	HistoryRepairs     prometheus.Counter
	AuditWriteFailures prometheus.Counter

	// Event publish metrics
	EventPublishTotal   *prometheus.CounterVec
	EventPublishLatency prometheus.Histogram
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames processed",
		}),
		FrameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_duration_seconds",
			Help:      "Time spent processing a single frame",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		FacesDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faces_detected_total",
			Help:      "Total number of faces detected across all frames",
		}),

		MatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Face match results",
		}, []string{"result"}),
		BlinksConfirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blinks_confirmed_total",
			Help:      "Total number of confirmed blinks",
		}),
		KnownIdentities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_identities",
			Help:      "Number of enrolled identities loaded for the session",
		}),
		MarkedIdentities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "marked_identities",
			Help:      "Number of identities marked present in the session",
		}),

		AttendanceMarked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_marked_total",
			Help:      "Total number of attendance markings",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total number of failed attendance writes",
		}),
		HistoryRepairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_repairs_total",
			Help:      "Total number of malformed attendance histories reset",
		}),
		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Total number of failed audit rows",
		}),

		EventPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Attendance events published",
		}, []string{"status"}),
		EventPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_publish_latency_seconds",
			Help:      "Latency of attendance event publishing",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// RecordFrame records one processed frame.
func (m *Metrics) RecordFrame(faces int, seconds float64) {
	m.FramesTotal.Inc()
	m.FacesDetected.Add(float64(faces))
	m.FrameDuration.Observe(seconds)
}

// RecordMatch records a match result.
func (m *Metrics) RecordMatch(known bool) {
	result := "unknown"
	if known {
		result = "known"
	}
	m.MatchesTotal.WithLabelValues(result).Inc()
}

// RecordPublish records an event publish attempt.
func (m *Metrics) RecordPublish(err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventPublishTotal.WithLabelValues(status).Inc()
	m.EventPublishLatency.Observe(seconds)
}
