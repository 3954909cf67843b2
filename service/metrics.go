package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/pkg/security"
)

// Metrics serves the Prometheus endpoint on a dedicated listener. It is
// only registered when metrics.bind is set; with an empty bind the
// Manager mounts /metrics on the API mux instead and this service never
// exists.
type Metrics struct {
	*BaseService

	port     int
	server   *metric.Server
	registry *metric.Registry
	security security.Config
}

// NewMetrics wires the metrics service from the shared dependencies.
func NewMetrics(deps *Dependencies) (*Metrics, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("dependencies with config are required"),
			"Metrics", "New", "check dependencies")
	}
	if deps.Registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metric registry is required"),
			"Metrics", "New", "check dependencies")
	}

	bind := deps.Config.Metrics.Bind
	if bind == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metrics bind address is empty"),
			"Metrics", "New", "check configuration")
	}
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metrics bind %q: %w", bind, err),
			"Metrics", "New", "parse bind address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metrics bind %q: %w", bind, err),
			"Metrics", "New", "parse bind address")
	}

	m := &Metrics{
		port:     port,
		registry: deps.Registry,
		// The metrics listener carries the same TLS settings as the API
		// server.
		security: security.Config{TLS: security.TLSConfig{Server: deps.Config.Server.TLS}},
	}
	m.BaseService = NewBaseService("metrics", deps.Config,
		WithLogger(deps.Logger),
		WithMetrics(deps.Registry),
	)
	m.SetHealthCheck(m.healthCheck)

	return m, nil
}

// Start starts the metrics HTTP server
func (m *Metrics) Start(ctx context.Context) error {
	if err := m.BaseService.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	m.server = metric.NewServer(m.port, "/metrics", m.registry, m.security)

	server := m.server
	go func() {
		if err := server.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	m.logger.Info("metrics server started", "url", server.Address())
	return nil
}

// Stop stops the metrics HTTP server
func (m *Metrics) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.server != nil {
		if err := m.server.Stop(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
		m.server = nil
	}
	m.mu.Unlock()

	return m.BaseService.Stop(timeout)
}

// healthCheck verifies the server is running.
func (m *Metrics) healthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.server == nil {
		return fmt.Errorf("metrics server not running")
	}
	return nil
}

// Port returns the configured listener port.
func (m *Metrics) Port() int {
	return m.port
}

// URL returns the full metrics endpoint URL.
func (m *Metrics) URL() string {
	scheme := "http"
	if m.security.TLS.Server.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d/metrics", scheme, m.port)
}
