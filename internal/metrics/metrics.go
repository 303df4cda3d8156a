// Package metrics tracks connection and error counters, exporting them both
// as Prometheus collectors and as the snapshot embedded in the health
// endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process counters. Values are kept in atomics alongside
// the Prometheus collectors so the health endpoint can read them without
// gathering.
type Metrics struct {
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	disconnections    atomic.Int64
	errors            atomic.Int64
	activeUsers       atomic.Int64

	promTotal         prometheus.Counter
	promActive        prometheus.Gauge
	promDisconnects   prometheus.Counter
	promErrors        prometheus.Counter
	promActiveUsers   prometheus.Gauge
	promMessagesSent  prometheus.Counter
	promMessagesAcked prometheus.Counter
}

// New creates the metrics set and registers its collectors with reg. Passing
// nil skips registration (used by tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		promTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_connections_total",
			Help: "Total WebSocket connections accepted since start.",
		}),
		promActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connections_active",
			Help: "Currently open WebSocket connections.",
		}),
		promDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_disconnections_total",
			Help: "Total disconnections since start.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_handler_errors_total",
			Help: "Total event handler errors since start.",
		}),
		promActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_users_active",
			Help: "Logical users with at least one live session.",
		}),
		promMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_sent_total",
			Help: "Private messages accepted by the send path.",
		}),
		promMessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_acknowledged_total",
			Help: "Messages positively acknowledged by a recipient session.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.promTotal, m.promActive, m.promDisconnects, m.promErrors,
			m.promActiveUsers, m.promMessagesSent, m.promMessagesAcked,
		)
	}
	return m
}

// ConnectionOpened records a newly accepted connection.
func (m *Metrics) ConnectionOpened() {
	m.totalConnections.Add(1)
	m.promTotal.Inc()
}

// ConnectionClosed records a disconnection.
func (m *Metrics) ConnectionClosed() {
	m.disconnections.Add(1)
	m.promDisconnects.Inc()
}

// Error records a handler error.
func (m *Metrics) Error() {
	m.errors.Add(1)
	m.promErrors.Inc()
}

// MessageSent records a private message accepted by the send path.
func (m *Metrics) MessageSent() {
	m.promMessagesSent.Inc()
}

// MessageAcknowledged records a positive delivery acknowledgement.
func (m *Metrics) MessageAcknowledged() {
	m.promMessagesAcked.Inc()
}

// SetActive updates the live connection and user gauges. The registry calls
// this after every topology mutation.
func (m *Metrics) SetActive(connections, users int) {
	m.activeConnections.Store(int64(connections))
	m.activeUsers.Store(int64(users))
	m.promActive.Set(float64(connections))
	m.promActiveUsers.Set(float64(users))
}

// Snapshot is the health-endpoint view of the counters.
type Snapshot struct {
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int64 `json:"activeConnections"`
	Disconnections    int64 `json:"disconnections"`
	Errors            int64 `json:"errors"`
	ActiveUsers       int64 `json:"activeUsers"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections:  m.totalConnections.Load(),
		ActiveConnections: m.activeConnections.Load(),
		Disconnections:    m.disconnections.Load(),
		Errors:            m.errors.Load(),
		ActiveUsers:       m.activeUsers.Load(),
	}
}
