// Package metrics exposes Prometheus collectors for progress streaming.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts attach operations by stream kind (build, spawn).
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envconsole_stream_sessions_started_total",
		Help: "Number of stream sessions attached to an operation",
	}, []string{"kind"})

	// SessionsClosed counts sessions reaching the closed state by outcome.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envconsole_stream_sessions_closed_total",
		Help: "Number of stream sessions closed, by outcome",
	}, []string{"kind", "outcome"})

	// SessionsActive tracks sessions holding a live connection.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "envconsole_stream_sessions_active",
		Help: "Stream sessions currently connecting or streaming",
	}, []string{"kind"})

	// RecordsReceived counts decoded progress records.
	RecordsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envconsole_stream_records_total",
		Help: "Progress records decoded and rendered",
	}, []string{"kind"})

	// DecodeErrors counts payloads dropped because they could not be decoded.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envconsole_stream_decode_errors_total",
		Help: "Stream payloads dropped by the decoder",
	}, []string{"kind"})
)

// IncSessionStarted records an attach and marks the session active.
func IncSessionStarted(kind string) {
	SessionsStarted.WithLabelValues(kind).Inc()
	SessionsActive.WithLabelValues(kind).Inc()
}

// IncSessionClosed records a close. wasActive reports whether the session
// held a connection, so that closing an idle session leaves the gauge alone.
func IncSessionClosed(kind, outcome string, wasActive bool) {
	SessionsClosed.WithLabelValues(kind, outcome).Inc()
	if wasActive {
		SessionsActive.WithLabelValues(kind).Dec()
	}
}

// IncRecord records one decoded progress record.
func IncRecord(kind string) {
	RecordsReceived.WithLabelValues(kind).Inc()
}

// IncDecodeError records one dropped payload.
func IncDecodeError(kind string) {
	DecodeErrors.WithLabelValues(kind).Inc()
}
