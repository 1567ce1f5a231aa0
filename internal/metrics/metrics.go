// Package metrics exposes the Prometheus collectors shared by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "elytra"

// Metrics bundles the collectors recorded by the document and presence services.
type Metrics struct {
	registry *prometheus.Registry

	documentWrites      *prometheus.CounterVec
	presenceHeartbeats  *prometheus.CounterVec
	cursorUpdates       *prometheus.CounterVec
	realtimeSubscribers prometheus.Gauge
	realtimeDropped     prometheus.Counter
}

// New registers the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "writes_total",
			Help:      "Number of document content writes by result.",
		}, []string{"result"}),
		presenceHeartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Number of liveness upserts by result.",
		}, []string{"result"}),
		cursorUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "cursor_updates_total",
			Help:      "Number of cursor updates by result.",
		}, []string{"result"}),
		realtimeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Number of open realtime subscriptions.",
		}),
		realtimeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "dropped_events_total",
			Help:      "Number of realtime events dropped because a subscriber buffer was full.",
		}),
	}
	m.registry.MustRegister(
		m.documentWrites,
		m.presenceHeartbeats,
		m.cursorUpdates,
		m.realtimeSubscribers,
		m.realtimeDropped,
	)
	return m
}

// Registry exposes the registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveDocumentWrite records a document write outcome.
func (m *Metrics) ObserveDocumentWrite(result string) {
	if m == nil {
		return
	}
	m.documentWrites.WithLabelValues(result).Inc()
}

// ObserveHeartbeat records a liveness upsert outcome.
func (m *Metrics) ObserveHeartbeat(result string) {
	if m == nil {
		return
	}
	m.presenceHeartbeats.WithLabelValues(result).Inc()
}

// ObserveCursorUpdate records a cursor update outcome.
func (m *Metrics) ObserveCursorUpdate(result string) {
	if m == nil {
		return
	}
	m.cursorUpdates.WithLabelValues(result).Inc()
}

// SubscriberAdded increments the open subscription gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.realtimeSubscribers.Inc()
}

// SubscriberRemoved decrements the open subscription gauge.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.realtimeSubscribers.Dec()
}

// EventDropped counts an event that could not be delivered.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.realtimeDropped.Inc()
}

// Outcome labels shared by the services.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultNoop        = "noop"
	ResultRateLimited = "rate_limited"
)
