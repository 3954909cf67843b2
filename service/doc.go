// Package service provides service lifecycle management and HTTP server
// coordination for the lattice graph platform.
//
// # Core Service Types
//
// BaseService: foundation for all services with standardized lifecycle
// management:
//   - Lifecycle states: Stopped → Starting → Running → Stopping (plus a
//     terminal Failed state for unrecoverable runtime errors)
//   - Health monitoring with periodic checks
//   - Metrics integration with the CoreMetrics registry
//   - Context-based cancellation and graceful shutdown
//
// Manager: central orchestration of the HTTP server and service lifecycle:
//   - Service creation from registered constructors
//   - Two-phase HTTP initialization (system endpoints → service endpoints)
//   - TLS termination in manual and ACME modes
//   - Health aggregation across all services
//
// GraphAPI: the HTTP surface of the platform. It mounts the composed
// query engine, the federation resolver, the affordance executor, and
// the SSE/WebSocket event streams under the root path space.
//
// IngestService and Metrics wrap the NATS mutation ingestor and the
// standalone Prometheus endpoint as managed services.
//
// # Service Patterns
//
// All services follow the same constructor pattern:
//
//	type MyService struct {
//	    *BaseService
//	    // service-specific fields
//	}
//
//	func NewMyService(deps *Dependencies) (Service, error) {
//	    svc := &MyService{ /* ... */ }
//	    svc.BaseService = NewBaseService("my-service", deps.Config,
//	        WithLogger(deps.Logger),
//	        WithMetrics(deps.Registry))
//	    return svc, nil
//	}
//
// Services that serve HTTP additionally implement HTTPHandler; the
// Manager mounts them after every service has started:
//
//	func (s *MyService) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
//	    mux.HandleFunc("GET "+prefix+"things/{id}", s.handleThing)
//	}
//
// # Service Registration
//
// Services are registered with a Registry and created by the Manager:
//
//	registry := service.NewServiceRegistry()
//	registry.Register("graph-api", func(deps *service.Dependencies) (service.Service, error) {
//	    return service.NewGraphAPI(deps)
//	})
//
//	manager, err := service.NewManager(registry, deps)
//	// ...
//	if err := manager.CreateAll(); err != nil { /* ... */ }
//	if err := manager.StartAll(ctx); err != nil { /* ... */ }
//
// # HTTP Server Management
//
// The Manager coordinates the HTTP server with two-phase initialization:
//
//  1. Early phase: system endpoints registered (/health, /healthz,
//     /readyz, /services), HTTP mux created but not listening.
//  2. Late phase: service endpoints registered after services start,
//     listener bound, server started.
//
// This keeps system endpoints available before service-specific routes
// and lets services finish their own startup before traffic arrives.
//
// Shutdown runs in reverse registration order, then drains the HTTP
// server within the configured timeout. Connections that outlive the
// drain (long-lived SSE streams) are closed forcibly.
//
// # Health Monitoring
//
// Every service reports health through the health package. The Manager
// aggregates:
//   - /health: aggregated system health including the NATS connection
//   - /healthz: liveness probe
//   - /readyz: readiness, all services Running and healthy
//   - /services, /services/health: per-service status
package service
