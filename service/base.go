package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticeworks/lattice/config"
	"github.com/latticeworks/lattice/health"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/natsclient"
)

// Service is the contract the manager runs services against.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() Status
	IsHealthy() bool
	GetStatus() Info
	Health() health.Status
}

// HTTPHandler is implemented by services that expose HTTP endpoints.
// The Manager calls RegisterHTTPHandlers after every service has
// started; prefix always ends with "/".
type HTTPHandler interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}

// Status is a service lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

var statusNames = [...]string{
	StatusStopped:  "stopped",
	StatusStarting: "starting",
	StatusRunning:  "running",
	StatusStopping: "stopping",
	StatusFailed:   "failed",
}

// String returns the lifecycle state name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Info is the runtime counter snapshot served by status endpoints.
type Info struct {
	Name               string        `json:"name"`
	Status             Status        `json:"status"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	RequestsHandled    int64         `json:"requests_handled"`
	LastActivity       time.Time     `json:"last_activity"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
}

// HealthCheckFunc probes one dependency; nil error means healthy.
type HealthCheckFunc func() error

// Option configures a BaseService during construction.
type Option func(*BaseService)

// BaseService carries the lifecycle, health loop, and counters shared
// by every service. Concrete services embed it and add their own
// runtime on top.
type BaseService struct {
	name     string
	config   *config.Config
	nats     *natsclient.Client
	registry *metric.Registry
	logger   *slog.Logger

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool

	requestsHandled    atomic.Int64
	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64
	lastActivity       atomic.Value // time.Time

	healthCheckFunc HealthCheckFunc
	healthTicker    *time.Ticker
	healthInterval  time.Duration
	onHealthChange  func(bool)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.RWMutex
}

// NewBaseService creates a base service using the functional options pattern.
func NewBaseService(name string, cfg *config.Config, opts ...Option) *BaseService {
	service := &BaseService{
		name:           name,
		config:         cfg,
		healthInterval: 30 * time.Second,
		logger:         slog.Default().With("service", name),
	}

	// Options can override the default logger.
	for _, opt := range opts {
		opt(service)
	}

	service.setStatus(StatusStopped)
	service.startTime.Store(time.Time{})
	service.lastActivity.Store(time.Time{})

	return service
}

// WithNATS attaches the shared NATS client.
func WithNATS(client *natsclient.Client) Option {
	return func(s *BaseService) {
		s.nats = client
	}
}

// WithMetrics attaches the metric registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *BaseService) {
		s.registry = registry
	}
}

// WithLogger replaces the default logger. The service name is added
// as a structured attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger.With("service", s.name)
		}
	}
}

// WithHealthCheck installs a custom health check.
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
	}
}

// WithHealthInterval overrides the 30s health check cadence. Zero
// disables the loop entirely.
func WithHealthInterval(interval time.Duration) Option {
	return func(s *BaseService) {
		s.healthInterval = interval
	}
}

// OnHealthChange registers a callback fired when a check round flips
// the healthy bit.
func OnHealthChange(fn func(bool)) Option {
	return func(s *BaseService) {
		s.onHealthChange = fn
	}
}

// Name returns the service name.
func (s *BaseService) Name() string {
	return s.name
}

// Status returns the current lifecycle state.
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

// IsHealthy reports the outcome of the latest health check round.
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// setStatus records a status transition in one place so the status
// atomic and the service_status gauge never drift apart.
func (s *BaseService) setStatus(status Status) {
	s.status.Store(status)
	if s.registry != nil {
		s.registry.CoreMetrics().RecordServiceStatus(s.name, int(status))
	}
}

// MarkFailed transitions the service to the terminal failed state.
// Runtime loops call this when they hit an unrecoverable error.
func (s *BaseService) MarkFailed(err error) {
	s.setStatus(StatusFailed)
	s.healthy.Store(false)
	if err != nil {
		s.logger.Error("service failed", "error", err)
	}
}

// RecordRequest counts one handled request and refreshes the activity
// timestamp.
func (s *BaseService) RecordRequest() {
	s.requestsHandled.Add(1)
	s.lastActivity.Store(time.Now())
}

// Health reports the service state as a health status. Embedding
// services override this to attach their own metrics and detail.
func (s *BaseService) Health() health.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := s.Status()
	if status == StatusFailed {
		return health.NewUnhealthy(s.name, "Service failed")
	}

	if !s.healthy.Load() && status == StatusRunning {
		// The base layer only tracks pass/fail counts, not the error
		// behind a failed check.
		failedChecks := s.failedHealthChecks.Load()
		message := fmt.Sprintf("Service is unhealthy (failed checks: %d)", failedChecks)
		return health.NewUnhealthy(s.name, message)
	}

	switch status {
	case StatusRunning:
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	case StatusStopped:
		return health.NewUnhealthy(s.name, "Service is stopped")
	default:
		return health.NewUnhealthy(s.name, fmt.Sprintf("Unknown status: %v", status))
	}
}

// Start brings the service to running and launches the health and
// context watchers. Starting an already running service is a no-op.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentStatus := s.Status()
	if currentStatus == StatusRunning || currentStatus == StatusStarting {
		return nil
	}

	s.setStatus(StatusStarting)
	s.done = make(chan struct{})

	startTime := time.Now()
	s.startTime.Store(startTime)
	s.lastActivity.Store(startTime)

	if s.healthInterval > 0 {
		s.healthTicker = time.NewTicker(s.healthInterval)
		s.waitGroup.Add(1)
		go s.runHealthChecks()
	}

	s.waitGroup.Add(1)
	go s.watchContext(ctx)

	s.setStatus(StatusRunning)
	return nil
}

// Stop shuts the service down, waiting up to timeout for its goroutines
// to drain. Stopping an already stopped service is a no-op.
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentStatus := s.Status()
	if currentStatus == StatusStopped || currentStatus == StatusStopping {
		return nil
	}

	s.setStatus(StatusStopping)

	if s.done != nil {
		select {
		case <-s.done:
			// Already closed
		default:
			close(s.done)
		}
	}

	if s.healthTicker != nil {
		s.healthTicker.Stop()
	}

	if timeout == 0 {
		timeout = 5 * time.Second
	}

	drained := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
		// Abandon the stragglers
	}

	s.setStatus(StatusStopped)
	s.healthy.Store(false)

	return nil
}

// SetHealthCheck swaps the health check after construction.
func (s *BaseService) SetHealthCheck(fn HealthCheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheckFunc = fn
}

// OnHealthChange registers the health flip callback after
// construction.
func (s *BaseService) OnHealthChange(callback func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHealthChange = callback
}

// GetStatus snapshots the runtime counters.
func (s *BaseService) GetStatus() Info {
	startTime := s.startTime.Load().(time.Time)
	lastActivity := s.lastActivity.Load().(time.Time)

	uptime := time.Duration(0)
	if !startTime.IsZero() && s.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}

	return Info{
		Name:               s.name,
		Status:             s.Status(),
		Uptime:             uptime,
		StartTime:          startTime,
		RequestsHandled:    s.requestsHandled.Load(),
		LastActivity:       lastActivity,
		HealthChecks:       s.healthChecks.Load(),
		FailedHealthChecks: s.failedHealthChecks.Load(),
	}
}

// runHealthChecks drives the periodic health check. The first check
// runs immediately so health is known before the first tick instead of
// one interval later.
func (s *BaseService) runHealthChecks() {
	defer s.waitGroup.Done()

	s.checkHealth()

	for {
		select {
		case <-s.done:
			return
		case <-s.healthTicker.C:
			s.checkHealth()
		}
	}
}

// checkHealth runs one health check round and records the outcome. The
// custom check has priority; the NATS connection check only runs when
// no custom check exists or the custom one passed.
func (s *BaseService) checkHealth() {
	s.healthChecks.Add(1)

	var err error
	if s.healthCheckFunc != nil {
		err = s.healthCheckFunc()
	}
	if err == nil && s.nats != nil && !s.nats.IsHealthy() {
		err = natsclient.ErrNotConnected
	}

	wasHealthy := s.healthy.Load()
	isHealthy := err == nil

	if err != nil {
		s.failedHealthChecks.Add(1)
	}

	s.healthy.Store(isHealthy)
	if s.registry != nil {
		s.registry.CoreMetrics().RecordHealthStatus(s.name, isHealthy)
	}

	if wasHealthy != isHealthy && s.onHealthChange != nil {
		go s.onHealthChange(isHealthy)
	}
}

// watchContext stops the service when the parent context is canceled.
func (s *BaseService) watchContext(ctx context.Context) {
	defer s.waitGroup.Done()

	select {
	case <-ctx.Done():
		s.stopFromContext()
	case <-s.done:
	}
}

// stopFromContext transitions the service to stopped without going
// through Stop. The CAS loop keeps a concurrent Stop call from racing
// the transition.
func (s *BaseService) stopFromContext() {
	const maxRetries = 100
	for range maxRetries {
		current := s.status.Load().(Status)
		if current != StatusRunning {
			return // A Stop call beat us to it
		}
		if s.status.CompareAndSwap(current, StatusStopping) {
			if s.registry != nil {
				s.registry.CoreMetrics().RecordServiceStatus(s.name, int(StatusStopping))
			}
			break
		}
		time.Sleep(time.Microsecond)
	}

	if s.healthTicker != nil {
		s.healthTicker.Stop()
	}

	s.setStatus(StatusStopped)
	s.healthy.Store(false)
}
