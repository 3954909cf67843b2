package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/health"
	"github.com/latticeworks/lattice/natsclient"
	"github.com/latticeworks/lattice/pkg/backoff"
	"github.com/latticeworks/lattice/pkg/tlsutil"
)

// Manager owns the service set and the shared HTTP server. Services are
// created from the registry, started in creation order, and stopped in
// reverse. HTTP setup happens in two phases: the mux and system
// endpoints exist before any service starts, the listener opens only
// after every service is running.
type Manager struct {
	*BaseService

	registry *Registry
	deps     *Dependencies
	services map[string]Service
	order    []string // creation order, reversed for shutdown
	monitor  *health.Monitor
	mu       sync.RWMutex

	httpServer *http.Server
	httpMux    *http.ServeMux
	listener   net.Listener
	stopTLS    func() // stops ACME renewal, nil in manual mode
}

// NewManager creates a service manager over the given registry.
func NewManager(registry *Registry, deps *Dependencies) (*Manager, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("registry is required"),
			"Manager", "New", "check dependencies")
	}
	if deps == nil || deps.Config == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("dependencies with config are required"),
			"Manager", "New", "check dependencies")
	}

	m := &Manager{
		registry: registry,
		deps:     deps,
		services: make(map[string]Service),
	}
	m.BaseService = NewBaseService("service-manager", deps.Config,
		WithLogger(deps.Logger),
		WithMetrics(deps.Registry),
		WithNATS(deps.NATS),
	)

	// Health polls go through the monitor so a level flip between two
	// polls is logged exactly once.
	m.monitor = health.NewMonitor(health.WithChangeHook(func(name string, status health.Status) {
		if status.IsHealthy() {
			m.logger.Info("component health changed",
				"component", name, "status", status.Status)
			return
		}
		m.logger.Warn("component health changed",
			"component", name, "status", status.Status, "message", status.Message)
	}))
	return m, nil
}

// CreateService creates a single service from its registered constructor.
func (m *Manager) CreateService(name string) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; exists {
		return nil, fmt.Errorf("service %s already created", name)
	}

	constructor, exists := m.registry.Constructor(name)
	if !exists {
		return nil, fmt.Errorf("no constructor registered for service %s", name)
	}

	service, err := constructor(m.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}

	m.services[name] = service
	m.order = append(m.order, name)
	return service, nil
}

// CreateAll creates every registered service, in name order.
func (m *Manager) CreateAll() error {
	for _, name := range m.registry.Services() {
		if _, err := m.CreateService(name); err != nil {
			return err
		}
	}
	return nil
}

// GetService returns a service instance by name
func (m *Manager) GetService(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	service, exists := m.services[name]
	return service, exists
}

// GetAllServices returns all created service instances
func (m *Manager) GetAllServices() map[string]Service {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Service, len(m.services))
	for name, service := range m.services {
		result[name] = service
	}
	return result
}

// StartAll starts every created service and then opens the HTTP
// listener. The listener comes up last so readiness probes never see a
// half-started process.
func (m *Manager) StartAll(ctx context.Context) error {
	m.logger.Debug("initializing HTTP infrastructure")
	if err := m.initializeHTTPInfrastructure(); err != nil {
		return fmt.Errorf("initialize HTTP infrastructure: %w", err)
	}

	m.mu.RLock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	services := make(map[string]Service, len(m.services))
	for name, service := range m.services {
		services[name] = service
	}
	m.mu.RUnlock()

	m.logger.Debug("starting services", "count", len(order))
	for _, name := range order {
		service := services[name]
		if err := service.Start(ctx); err != nil {
			m.logger.Error("service start failed", "name", name, "error", err)
			return fmt.Errorf("failed to start service %s: %w", name, err)
		}
		m.logger.Debug("service started", "name", name)
	}

	if err := m.completeHTTPSetup(ctx); err != nil {
		return fmt.Errorf("complete HTTP setup: %w", err)
	}
	m.logger.Info("HTTP server listening", "addr", m.Addr())

	if err := m.BaseService.Start(ctx); err != nil {
		return err
	}
	m.logger.Info("all services started", "count", len(order))
	return nil
}

// StopAll stops every service in reverse creation order, then the HTTP
// server, then the manager itself.
func (m *Manager) StopAll(timeout time.Duration) error {
	logger := m.logger.With("operation", "services-shutdown")

	m.mu.Lock()
	reverseOrder := make([]string, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		reverseOrder[len(m.order)-1-i] = m.order[i]
	}
	services := make(map[string]Service, len(m.services))
	for name, service := range m.services {
		services[name] = service
	}
	m.mu.Unlock()

	logger.Debug("stopping services", "count", len(services), "order", reverseOrder)
	overallStart := time.Now()

	var errs []error
	for _, name := range reverseOrder {
		service, exists := services[name]
		if !exists {
			continue
		}
		serviceStart := time.Now()
		if err := service.Stop(timeout); err != nil {
			logger.Error("service stop failed",
				"service", name,
				"duration_ms", time.Since(serviceStart).Milliseconds(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("failed to stop service %s: %w", name, err))
			continue
		}
		logger.Debug("service stopped",
			"service", name,
			"duration_ms", time.Since(serviceStart).Milliseconds(),
		)
	}

	m.mu.Lock()
	m.services = make(map[string]Service)
	m.order = nil
	m.mu.Unlock()
	m.monitor.Clear()

	if err := m.stopHTTPServer(); err != nil {
		logger.Error("HTTP server stop failed", "error", err)
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}

	if m.stopTLS != nil {
		m.stopTLS()
		m.stopTLS = nil
	}

	if err := m.BaseService.Stop(timeout); err != nil {
		errs = append(errs, err)
	}

	logger.Debug("shutdown sequence completed",
		"duration_ms", time.Since(overallStart).Milliseconds(),
		"error_count", len(errs),
	)

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// StartService creates and starts a single service if not already
// running. Startup is retried briefly because a service may depend on
// infrastructure that is still coming up.
func (m *Manager) StartService(ctx context.Context, name string) error {
	m.mu.RLock()
	_, exists := m.services[name]
	m.mu.RUnlock()

	if exists {
		m.logger.Debug("service already exists", "service", name)
		return nil
	}

	service, err := m.CreateService(name)
	if err != nil {
		return err
	}

	startErr := backoff.Retry(ctx, backoff.QuickPolicy(), func(ctx context.Context, attempt int) error {
		if err := service.Start(ctx); err != nil {
			m.logger.Debug("service start attempt failed, will retry",
				"service", name, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if startErr != nil {
		m.RemoveService(name)
		return fmt.Errorf("failed to start service %s after retries: %w", name, startErr)
	}

	m.logger.Info("service started", "service", name)
	return nil
}

// StopService stops and removes a single service. Stopping a service
// that does not exist is not an error.
func (m *Manager) StopService(name string, timeout time.Duration) error {
	m.mu.RLock()
	service, exists := m.services[name]
	m.mu.RUnlock()

	if !exists {
		m.logger.Debug("service not found", "service", name)
		return nil
	}

	if err := service.Stop(timeout); err != nil {
		m.logger.Error("failed to stop service", "service", name, "error", err)
		// Remove anyway, the service might be stuck
	}

	m.RemoveService(name)
	m.logger.Info("service stopped and removed", "service", name)
	return nil
}

// RemoveService removes a service instance
func (m *Manager) RemoveService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; exists {
		delete(m.services, name)
		m.monitor.Remove(name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// GetHealthyServices returns the names of services reporting healthy
func (m *Manager) GetHealthyServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var healthy []string
	for name, service := range m.services {
		if service.IsHealthy() {
			healthy = append(healthy, name)
		}
	}
	return healthy
}

// GetUnhealthyServices returns the names of services reporting unhealthy
func (m *Manager) GetUnhealthyServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var unhealthy []string
	for name, service := range m.services {
		if !service.IsHealthy() {
			unhealthy = append(unhealthy, name)
		}
	}
	return unhealthy
}

// Addr returns the bound listener address, or the configured bind
// address before the listener opens. Useful when binding to port 0.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.deps.Config.Server.Bind
}

// initializeHTTPInfrastructure creates the mux and registers system
// endpoints. Called before services are started; idempotent.
func (m *Manager) initializeHTTPInfrastructure() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpMux != nil {
		return nil
	}

	m.httpMux = http.NewServeMux()
	m.registerSystemEndpoints()
	return nil
}

// completeHTTPSetup registers service handlers and opens the listener.
// Called after all services have started.
func (m *Manager) completeHTTPSetup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpMux == nil {
		return fmt.Errorf("HTTP infrastructure not initialized")
	}
	if m.httpServer != nil {
		return fmt.Errorf("HTTP server already started")
	}

	m.registerServiceHandlers()

	cfg := m.deps.Config
	if cfg.Metrics.Enabled && cfg.Metrics.Bind == "" && m.deps.Registry != nil {
		m.httpMux.Handle("GET /metrics", m.deps.Registry.Handler())
	}

	tlsConfig, err := m.buildTLSConfig(ctx)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Bind, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	m.listener = listener

	// No WriteTimeout and no ReadTimeout: both would sever long-lived
	// event streams. ReadHeaderTimeout still bounds slow clients.
	m.httpServer = &http.Server{
		Handler:           m.httpMux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		IdleTimeout:       60 * time.Second,
	}

	server := m.httpServer
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// buildTLSConfig resolves the server TLS configuration, nil when TLS is
// disabled. ACME mode also starts the renewal loop; its stop function
// is kept for StopAll.
func (m *Manager) buildTLSConfig(ctx context.Context) (*tls.Config, error) {
	tlsCfg := m.deps.Config.Server.TLS
	if !tlsCfg.Enabled {
		return nil, nil
	}

	if tlsCfg.Mode == "acme" {
		tlsConfig, stopRenewal, err := tlsutil.LoadServerTLSConfigWithACME(ctx, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("load ACME TLS config: %w", err)
		}
		m.stopTLS = stopRenewal
		return tlsConfig, nil
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfigWithMTLS(tlsCfg, tlsCfg.MTLS)
	if err != nil {
		return nil, fmt.Errorf("load TLS config: %w", err)
	}
	return tlsConfig, nil
}

// stopHTTPServer drains the HTTP server. Streaming connections outlive
// the drain window, so a failed Shutdown is followed by a forced Close.
func (m *Manager) stopHTTPServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpServer == nil {
		return nil
	}

	logger := m.logger.With("operation", "http-shutdown")

	timeout := m.deps.Config.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	logger.Debug("starting HTTP server shutdown", "timeout", timeout)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := m.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown incomplete, forcing close",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		if closeErr := m.httpServer.Close(); closeErr != nil {
			m.httpServer = nil
			m.httpMux = nil
			m.listener = nil
			return fmt.Errorf("failed to close HTTP server: %w", closeErr)
		}
	}

	logger.Debug("HTTP server shutdown completed",
		"duration_ms", time.Since(start).Milliseconds(),
	)

	m.httpServer = nil
	m.httpMux = nil
	m.listener = nil
	return nil
}

// registerServiceHandlers mounts HTTP handlers for every service that
// implements HTTPHandler. Caller holds m.mu.
func (m *Manager) registerServiceHandlers() {
	for name, service := range m.services {
		if handler, ok := service.(HTTPHandler); ok {
			prefix := m.servicePrefix(name)
			handler.RegisterHTTPHandlers(prefix, m.httpMux)
			m.logger.Debug("registered HTTP handlers", "service", name, "prefix", prefix)
		}
	}
}

// servicePrefix converts a service name to a URL prefix. The graph API
// is the primary surface and mounts at the root.
func (m *Manager) servicePrefix(serviceName string) string {
	if serviceName == "graph-api" {
		return "/"
	}
	return "/" + strings.ReplaceAll(serviceName, "-", "") + "/"
}

// registerSystemEndpoints registers system-wide health endpoints.
// Caller holds m.mu.
func (m *Manager) registerSystemEndpoints() {
	m.httpMux.HandleFunc("GET /health", m.handleSystemHealth)
	m.httpMux.HandleFunc("GET /healthz", m.handleLiveness)
	m.httpMux.HandleFunc("GET /readyz", m.handleReadiness)

	m.httpMux.HandleFunc("GET /services", m.handleServiceList)
	m.httpMux.HandleFunc("GET /services/health", m.handleServicesHealth)
}

// observeServices polls every service and records the results in the
// monitor. Caller holds m.mu for reading.
func (m *Manager) observeServices() []health.Status {
	statuses := make([]health.Status, 0, len(m.services))
	for name, service := range m.services {
		status := service.Health()
		m.monitor.Update(name, status)
		statuses = append(statuses, status)
	}
	return statuses
}

// observeNATS reports the NATS connection as a health status, recording
// it in the monitor. ok is false when no NATS client is configured.
func (m *Manager) observeNATS() (status health.Status, ok bool) {
	if m.deps.NATS == nil {
		return health.Status{}, false
	}

	conn := m.deps.NATS.GetStatus()
	if conn.Status == natsclient.StatusConnected {
		status = health.NewHealthy("nats",
			fmt.Sprintf("Connected (RTT: %v)", conn.RTT))
	} else {
		status = health.NewUnhealthy("nats",
			fmt.Sprintf("Disconnected: %s (failures: %d)",
				conn.Status.String(), conn.FailureCount))
	}
	m.monitor.Update("nats", status)
	return status, true
}

// handleSystemHealth returns aggregated system health
func (m *Manager) handleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := m.observeServices()
	if natsStatus, ok := m.observeNATS(); ok {
		subStatuses = append(subStatuses, natsStatus)
	}

	systemHealth := health.Aggregate("system", subStatuses)

	w.Header().Set("Content-Type", "application/json")
	if systemHealth.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(systemHealth); err != nil {
		m.logger.Error("failed to encode system health response", "error", err)
	}
}

// handleLiveness is a simple liveness probe
func (m *Manager) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness reports ready only when every service is running and
// healthy.
func (m *Manager) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ready := true
	for _, service := range m.services {
		if service.Status() != StatusRunning || !service.IsHealthy() {
			ready = false
			break
		}
	}

	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
	}
}

// handleServiceList returns a list of all created services
func (m *Manager) handleServiceList(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make([]map[string]any, 0, len(m.services))
	for name, service := range m.services {
		services = append(services, map[string]any{
			"name":    name,
			"status":  service.Status().String(),
			"healthy": service.IsHealthy(),
		})
	}

	response := map[string]any{
		"services": services,
		"count":    len(services),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.logger.Error("failed to encode services list", "error", err)
	}
}

// handleServicesHealth returns detailed health for every service
func (m *Manager) handleServicesHealth(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	serviceStatuses := m.observeServices()

	response := struct {
		Overall  health.Status   `json:"overall"`
		Services []health.Status `json:"services"`
	}{
		Overall:  health.Aggregate("services", serviceStatuses),
		Services: serviceStatuses,
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Overall.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.logger.Error("failed to encode services health response", "error", err)
	}
}
