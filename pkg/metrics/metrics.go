// Package metrics exposes Prometheus instrumentation for the SMB core:
// connection/session/handle gauges and IPC round-trip latency/timeout
// counters. Collection is opt-in (spec.md's non-goals exclude building an
// observability layer as a feature, but the ambient stack still carries
// metrics the way the teacher's adapters do).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the core's Prometheus collectors. A nil *Metrics is valid
// and every method is a no-op, so callers need not branch on whether
// metrics collection is enabled.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	OpenHandles       prometheus.Gauge

	IPCRequestsTotal   *prometheus.CounterVec
	IPCTimeoutsTotal   prometheus.Counter
	IPCRequestDuration prometheus.Histogram

	ShareAuthDenied prometheus.Counter
}

// IncConnections, DecConnections, ObserveIPCRequest etc. are nil-safe so
// callers need not branch on whether metrics collection is enabled.

func (m *Metrics) IncConnections() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) DecConnections() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) SetSessions(n float64) {
	if m != nil {
		m.ActiveSessions.Set(n)
	}
}

func (m *Metrics) SetOpenHandles(n float64) {
	if m != nil {
		m.OpenHandles.Set(n)
	}
}

func (m *Metrics) ObserveIPCRequest(msgType string, seconds float64, timedOut bool) {
	if m == nil {
		return
	}
	m.IPCRequestsTotal.WithLabelValues(msgType).Inc()
	m.IPCRequestDuration.Observe(seconds)
	if timedOut {
		m.IPCTimeoutsTotal.Inc()
	}
}

func (m *Metrics) IncShareAuthDenied() {
	if m != nil {
		m.ShareAuthDenied.Inc()
	}
}

// New registers and returns a Metrics instance against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the process-wide one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ksmbd", Name: "connections_active",
			Help: "Number of currently accepted TCP connections.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ksmbd", Name: "sessions_active",
			Help: "Number of live SMB sessions.",
		}),
		OpenHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ksmbd", Name: "handles_open",
			Help: "Number of open file handles across all sessions.",
		}),
		IPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ksmbd", Subsystem: "ipc", Name: "requests_total",
			Help: "Total IPC requests sent to the control-plane daemon, by type.",
		}, []string{"type"}),
		IPCTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ksmbd", Subsystem: "ipc", Name: "timeouts_total",
			Help: "Total IPC requests that timed out waiting for a response.",
		}),
		IPCRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ksmbd", Subsystem: "ipc", Name: "request_duration_seconds",
			Help:    "IPC request round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ShareAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ksmbd", Subsystem: "share", Name: "authorize_denied_total",
			Help: "Total tree-connect authorization failures.",
		}),
	}
}
