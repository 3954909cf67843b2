package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
}

func TestRegistry_RegisterCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("test-service", "test_counter", counter)
	require.NoError(t, err)

	counter.Inc()

	// Verify the counter is registered in the underlying Prometheus registry
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "counter should be registered in Prometheus registry")
}

func TestRegistry_RegisterGauge(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})

	err := registry.RegisterGauge("test-service", "test_gauge", gauge)
	require.NoError(t, err)

	gauge.Set(42.0)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_gauge" {
			found = true
			break
		}
	}
	assert.True(t, found, "gauge should be registered in Prometheus registry")
}

func TestRegistry_RegisterHistogram(t *testing.T) {
	registry := NewRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "A test histogram",
		Buckets: prometheus.DefBuckets,
	})

	err := registry.RegisterHistogram("test-service", "test_histogram", histogram)
	require.NoError(t, err)

	histogram.Observe(1.5)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_histogram" {
			found = true
			break
		}
	}
	assert.True(t, found, "histogram should be registered in Prometheus registry")
}

func TestRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter",
	})

	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter", // Same help to avoid Prometheus validation error
	})

	// First registration should succeed
	err := registry.RegisterCounter("service1", "duplicate_counter", counter1)
	require.NoError(t, err)

	// Same Prometheus name under a different service trips the Prometheus check
	err = registry.RegisterCounter("service2", "duplicate_counter", counter2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestRegistry_DuplicateServiceMetricPair(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pair_counter",
		Help: "A counter",
	})

	err := registry.RegisterCounter("same-service", "pair_counter", counter)
	require.NoError(t, err)

	// Same service/metric pair is rejected before Prometheus is consulted
	err = registry.RegisterCounter("same-service", "pair_counter", counter)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_UnregisterMetric(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unregister_counter",
		Help: "A counter to unregister",
	})

	err := registry.RegisterCounter("test-service", "unregister_counter", counter)
	require.NoError(t, err)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "unregister_counter" {
			found = true
			break
		}
	}
	assert.True(t, found)

	success := registry.Unregister("test-service", "unregister_counter")
	assert.True(t, success)

	metricFamilies, err = registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found = false
	for _, mf := range metricFamilies {
		if mf.GetName() == "unregister_counter" {
			found = true
			break
		}
	}
	assert.False(t, found)
}

func TestRegistry_ThreadSafety(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	numGoroutines := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", id),
				Help: "A concurrent counter",
			})

			err := registry.RegisterCounter("concurrent-service",
				fmt.Sprintf("concurrent_counter_%d", id), counter)
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	counterCount := 0
	for _, mf := range metricFamilies {
		if strings.HasPrefix(mf.GetName(), "concurrent_counter_") {
			counterCount++
		}
	}

	assert.Equal(t, numGoroutines, counterCount,
		"all concurrent counters should be registered")
}

func TestRegistrar_Interface(t *testing.T) {
	registry := NewRegistry()

	// Verify registry implements the Registrar interface
	var registrar Registrar = registry
	assert.NotNil(t, registrar)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interface_counter",
		Help: "Counter registered through interface",
	})

	err := registrar.RegisterCounter("interface-service", "interface_counter", counter)
	require.NoError(t, err)
}

func TestRegistry_CoreMetricsInitialization(t *testing.T) {
	registry := NewRegistry()

	// Vector metrics don't appear in Gather() until they have at least one
	// value set, so record through the core metrics first.
	core := registry.CoreMetrics()

	core.RecordServiceStatus("graph-api", 2)
	core.RecordMutationReceived("graph-ingest", "node.create")
	core.RecordMutationProcessed("graph-ingest", "node.create", "ok")
	core.RecordEventPublished("graph-manager", "node.created")
	core.RecordProcessingDuration("graph-query", "execute", 100*time.Millisecond)
	core.RecordError("graph-api", "transient")
	core.RecordHealthStatus("graph-api", true)
	core.RecordStreamClients("graph-api", "sse", 3)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	expectedCoreMetrics := []string{
		"lattice_service_status",
		"lattice_mutations_received_total",
		"lattice_mutations_processed_total",
		"lattice_events_published_total",
		"lattice_processing_duration_seconds",
		"lattice_errors_total",
		"lattice_health_status",
		"lattice_stream_clients",
		"lattice_nats_connected",
		"lattice_nats_rtt_milliseconds",
		"lattice_nats_reconnects_total",
		"lattice_nats_circuit_breaker",
	}

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	for _, expectedMetric := range expectedCoreMetrics {
		assert.True(t, foundMetrics[expectedMetric],
			"core metric %s should be initialized", expectedMetric)
	}
}

func TestRegistry_GetCoreMetrics(t *testing.T) {
	registry := NewRegistry()

	core := registry.CoreMetrics()
	assert.NotNil(t, core)

	assert.NotNil(t, core.ServiceStatus)
	assert.NotNil(t, core.MutationsReceived)
	assert.NotNil(t, core.MutationsProcessed)
	assert.NotNil(t, core.EventsPublished)
	assert.NotNil(t, core.ProcessingDuration)
	assert.NotNil(t, core.ErrorsTotal)
	assert.NotNil(t, core.HealthCheckStatus)
	assert.NotNil(t, core.StreamClients)
	assert.NotNil(t, core.NATSConnected)
	assert.NotNil(t, core.NATSRTT)
	assert.NotNil(t, core.NATSReconnects)
	assert.NotNil(t, core.NATSCircuitBreaker)
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewRegistry()
	core := registry.CoreMetrics()

	core.RecordServiceStatus("graph-api", 2)

	core.RecordMutationReceived("graph-ingest", "edge.create")
	core.RecordMutationProcessed("graph-ingest", "edge.create", "ok")
	core.RecordEventPublished("graph-manager", "edge.created")

	core.RecordProcessingDuration("graph-query", "traverse", 100*time.Millisecond)

	core.RecordError("graph-api", "invalid")
	core.RecordHealthStatus("graph-api", true)
	core.RecordStreamClients("graph-api", "websocket", 7)

	core.RecordNATSStatus(true)
	core.RecordNATSRTT(50 * time.Millisecond)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(0)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	assert.Greater(t, len(metricFamilies), 0, "should have recorded metrics")
}
