package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every core metric name in the exposition.
const namespace = "lattice"

// Metrics is the process-wide instrument set shared by every service.
// Domain packages register their own collectors through the Registrar
// instead of adding fields here.
type Metrics struct {
	ServiceStatus      *prometheus.GaugeVec
	MutationsReceived  *prometheus.CounterVec
	MutationsProcessed *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec
	StreamClients      *prometheus.GaugeVec

	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics builds the instrument set. The collectors are inert until a
// Registry registers them.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: gaugeVec("service", "status",
			"Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			"service"),
		MutationsReceived: counterVec("mutations", "received_total",
			"Total number of graph mutation requests received",
			"service", "op"),
		MutationsProcessed: counterVec("mutations", "processed_total",
			"Total number of graph mutation requests processed",
			"service", "op", "status"),
		EventsPublished: counterVec("events", "published_total",
			"Total number of graph events published",
			"service", "type"),
		ProcessingDuration: histogramVec("processing", "duration_seconds",
			"Operation processing duration in seconds",
			"service", "operation"),
		ErrorsTotal: counterVec("errors", "total",
			"Total number of errors",
			"service", "type"),
		HealthCheckStatus: gaugeVec("health", "status",
			"Health check status (0=unhealthy, 1=healthy)",
			"service"),
		StreamClients: gaugeVec("stream", "clients",
			"Number of connected streaming clients",
			"service", "transport"),

		NATSConnected: gauge("nats", "connected",
			"NATS connection status (0=disconnected, 1=connected)"),
		NATSRTT: gauge("nats", "rtt_milliseconds",
			"NATS round-trip time in milliseconds"),
		NATSReconnects: counter("nats", "reconnects_total",
			"Total number of NATS reconnections"),
		NATSCircuitBreaker: gauge("nats", "circuit_breaker",
			"NATS circuit breaker status (0=closed, 1=open, 2=half-open)"),
	}
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// RecordServiceStatus sets the lifecycle gauge for a service.
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordMutationReceived counts one mutation request arriving off the wire.
func (m *Metrics) RecordMutationReceived(service, op string) {
	m.MutationsReceived.WithLabelValues(service, op).Inc()
}

// RecordMutationProcessed counts one applied mutation by outcome status.
func (m *Metrics) RecordMutationProcessed(service, op, status string) {
	m.MutationsProcessed.WithLabelValues(service, op, status).Inc()
}

// RecordEventPublished counts one event placed on the event stream.
func (m *Metrics) RecordEventPublished(service, eventType string) {
	m.EventsPublished.WithLabelValues(service, eventType).Inc()
}

// RecordProcessingDuration observes how long an operation took.
func (m *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	m.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordError counts one error by type.
func (m *Metrics) RecordError(service, errorType string) {
	m.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus sets the health gauge, 1 for healthy and 0 otherwise.
func (m *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordStreamClients sets the connected-client gauge for one transport.
func (m *Metrics) RecordStreamClients(service, transport string, count int) {
	m.StreamClients.WithLabelValues(service, transport).Set(float64(count))
}

// RecordNATSStatus sets the connection gauge, 1 when connected.
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSRTT publishes the measured round-trip time.
func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	m.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect counts one reconnection.
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState sets the breaker gauge (0=closed, 1=open, 2=half-open).
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.NATSCircuitBreaker.Set(float64(state))
}
