// Package metric provides Prometheus-based metrics collection for Lattice
// platform monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// platform metrics (service status, mutation throughput, event publication,
// NATS health) and custom service-specific metrics, plus an HTTP server
// exposing everything in Prometheus exposition format.
//
// # Architecture
//
// The package follows a three-layer design:
//
//  1. Core Metrics: platform-level metrics registered automatically (Metrics type)
//  2. Service Registry: extensible registration for service-specific metrics (Registrar interface)
//  3. HTTP exposure: a mountable Handler or a standalone Server with health checks
//
// Core metrics cover the concerns every Lattice deployment shares. Services
// register their own domain metrics (query latencies, cache hits, link
// counts) through the Registrar interface so the registry can reject
// duplicates and unregister on shutdown.
//
// # Basic Usage
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, security.Config{})
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("metrics server error: %v", err)
//	    }
//	}()
//
//	core := registry.CoreMetrics()
//	core.RecordServiceStatus("graph-api", 2)
//	core.RecordMutationProcessed("graph-ingest", "node.create", "ok")
//	core.RecordEventPublished("graph-manager", "node.created")
//
// Alternatively, mount metrics on an existing mux:
//
//	mux.Handle("GET /metrics", registry.Handler())
//
// # Core Metrics
//
// All core metrics use the namespace "lattice":
//
//   - lattice_service_status{service}: lifecycle state per service
//   - lattice_mutations_received_total{service,op}: mutation requests in
//   - lattice_mutations_processed_total{service,op,status}: mutation outcomes
//   - lattice_events_published_total{service,type}: graph events out
//   - lattice_processing_duration_seconds{service,operation}: latency histogram
//   - lattice_errors_total{service,type}: error counts by classification
//   - lattice_health_status{service}: readiness per service
//   - lattice_stream_clients{service,transport}: connected SSE/WebSocket clients
//   - lattice_nats_connected, lattice_nats_rtt_milliseconds,
//     lattice_nats_reconnects_total, lattice_nats_circuit_breaker: NATS health
//
// # Service-Specific Metrics
//
// Services register custom metrics through the Registrar interface:
//
//	hits := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: "lattice",
//	    Subsystem: "query",
//	    Name:      "cache_hits_total",
//	    Help:      "Query results served from cache",
//	})
//	if err := registry.RegisterCounter("graph-query", "cache_hits_total", hits); err != nil {
//	    return err
//	}
//
// Registration fails with an invalid-classified error when the same
// service/metric pair is registered twice, or when the collector conflicts
// with one already held by the underlying Prometheus registry.
//
// # Thread Safety
//
// All registry operations are safe for concurrent use. Metric recording is
// lock-free per the Prometheus client guarantees; registration and
// unregistration take an internal mutex.
package metric
