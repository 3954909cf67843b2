package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubService simulates a service that registers its own domain metrics
type stubService struct {
	name    string
	metrics struct {
		linksResolved prometheus.Counter
		traversalLoad prometheus.Gauge
	}
}

func newStubService(name string) *stubService {
	return &stubService{name: name}
}

// RegisterMetrics registers domain-specific metrics for the stub service
func (s *stubService) RegisterMetrics(registrar Registrar) error {
	s.metrics.linksResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lattice",
		Subsystem: "stub_service",
		Name:      "links_resolved_total",
		Help:      "Total number of federation links resolved",
	})

	err := registrar.RegisterCounter(s.name, "links_resolved_total", s.metrics.linksResolved)
	if err != nil {
		return err
	}

	s.metrics.traversalLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Subsystem: "stub_service",
		Name:      "traversal_load",
		Help:      "Nodes currently held by in-flight traversals",
	})

	return registrar.RegisterGauge(s.name, "traversal_load", s.metrics.traversalLoad)
}

// Resolve simulates service activity and updates metrics
func (s *stubService) Resolve(links int, load int) {
	s.metrics.linksResolved.Add(float64(links))
	s.metrics.traversalLoad.Set(float64(load))
}

func TestMetricsIntegration_ServiceRegistration(t *testing.T) {
	registry := NewRegistry()

	svc := newStubService("test-service")

	err := svc.RegisterMetrics(registry)
	require.NoError(t, err)

	svc.Resolve(10, 5)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	assert.True(t, foundMetrics["lattice_stub_service_links_resolved_total"],
		"custom links_resolved metric should be registered")
	assert.True(t, foundMetrics["lattice_stub_service_traversal_load"],
		"custom traversal_load metric should be registered")
}

func TestMetricsIntegration_NoDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()

	// Two services with the same name should not both register
	svc1 := newStubService("duplicate-service")
	svc2 := newStubService("duplicate-service")

	err := svc1.RegisterMetrics(registry)
	require.NoError(t, err)

	err = svc2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsIntegration_CoreAndServiceMetricsSeparate(t *testing.T) {
	registry := NewRegistry()
	core := registry.CoreMetrics()

	svc := newStubService("separation-test")
	err := svc.RegisterMetrics(registry)
	require.NoError(t, err)

	// Use core metrics
	core.RecordServiceStatus("separation-test", 2)
	core.RecordMutationReceived("separation-test", "node.create")

	// Use service-specific metrics
	svc.Resolve(5, 3)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	// Verify core metrics
	assert.True(t, foundMetrics["lattice_service_status"],
		"core service status metric should be present")
	assert.True(t, foundMetrics["lattice_mutations_received_total"],
		"core mutations received metric should be present")

	// Verify service-specific metrics
	assert.True(t, foundMetrics["lattice_stub_service_links_resolved_total"],
		"service-specific links resolved metric should be present")
	assert.True(t, foundMetrics["lattice_stub_service_traversal_load"],
		"service-specific traversal load metric should be present")
}

func TestMetricsIntegration_MetricsUnregistration(t *testing.T) {
	registry := NewRegistry()

	svc := newStubService("unregister-test")

	err := svc.RegisterMetrics(registry)
	require.NoError(t, err)

	svc.Resolve(1, 1)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundBefore := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundBefore[mf.GetName()] = true
	}

	assert.True(t, foundBefore["lattice_stub_service_links_resolved_total"],
		"metric should be present before unregistration")

	success := registry.Unregister("unregister-test", "links_resolved_total")
	assert.True(t, success, "unregistration should succeed")

	metricFamilies, err = registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundAfter := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundAfter[mf.GetName()] = true
	}

	assert.False(t, foundAfter["lattice_stub_service_links_resolved_total"],
		"metric should be absent after unregistration")
	assert.True(t, foundAfter["lattice_stub_service_traversal_load"],
		"other service metrics should remain")
}

func TestMetricsIntegration_ConflictingPrometheusNames(t *testing.T) {
	registry := NewRegistry()

	// Different service names but identical Prometheus metric names
	svc1 := newStubService("resolver-a")
	svc2 := newStubService("resolver-b")

	err := svc1.RegisterMetrics(registry)
	require.NoError(t, err)

	err = svc2.RegisterMetrics(registry)
	assert.Error(t, err, "second service should fail due to Prometheus metric name conflict")
	assert.Contains(t, err.Error(), "prometheus conflict")
}
