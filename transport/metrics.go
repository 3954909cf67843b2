package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticeworks/lattice/metric"
)

// streamMetrics holds the per-transport Prometheus metrics. Each handler
// registers its own set under its subsystem ("sse" or "websocket"). A nil
// receiver disables recording.
type streamMetrics struct {
	connectionsTotal  prometheus.Counter
	activeConnections prometheus.Gauge
	eventsSent        prometheus.Counter
	droppedTotal      prometheus.Counter
}

func newStreamMetrics(registry *metric.Registry, subsystem string) (*streamMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &streamMetrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lattice",
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Currently connected clients",
		}),

		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: subsystem,
			Name:      "events_sent_total",
			Help:      "Events delivered to clients",
		}),

		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a client queue was full",
		}),
	}

	if err := registry.RegisterCounter(subsystem, "connections_total", m.connectionsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(subsystem, "active_connections", m.activeConnections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(subsystem, "events_sent_total", m.eventsSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(subsystem, "events_dropped_total", m.droppedTotal); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *streamMetrics) connected() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

func (m *streamMetrics) disconnected() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *streamMetrics) sent() {
	if m == nil {
		return
	}
	m.eventsSent.Inc()
}

func (m *streamMetrics) droppedEvents(n uint64) {
	if m == nil {
		return
	}
	m.droppedTotal.Add(float64(n))
}
