// Package health provides health monitoring for Lattice services with
// thread-safe status tracking, aggregation, and sanitized error reporting.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: component operating normally
//   - Degraded: component operating with reduced functionality
//   - Unhealthy: component not functioning properly
//
// The three-state model lets operators distinguish "the NATS connection is
// flapping" (degraded, query reads still work from the mirror) from "the
// graph store is gone" (unhealthy, take the instance out of rotation).
//
// # Basic Usage
//
// Creating and tracking component health:
//
//	monitor := health.NewMonitor()
//
//	monitor.UpdateHealthy("graph-store", "KV buckets reachable")
//	monitor.UpdateDegraded("nats", "reconnecting, circuit half-open")
//	monitor.UpdateUnhealthy("federation-store", "badger directory not writable")
//
//	if status, exists := monitor.Get("graph-store"); exists && status.IsHealthy() {
//	    // serve traffic
//	}
//
// # Aggregation
//
// AggregateHealth combines all tracked components into one system status
// using worst-case rules: any unhealthy component makes the system
// unhealthy; otherwise any degraded component makes it degraded.
//
//	system := monitor.AggregateHealth("lattice")
//	if system.IsUnhealthy() {
//	    // fail the readiness probe
//	}
//
// # Error Classification
//
// FromError maps an error onto a status through the errors package:
// transient errors degrade a component (the next retry may succeed),
// everything else marks it unhealthy. Messages pass through
// SanitizeMessage so URLs, file paths, IP addresses, ports, and
// credentials never reach a health endpoint:
//
//	monitor.UpdateFromError("nats", client.Connect(ctx))
//
// # Change Hooks
//
// WithChangeHook observes status-level transitions, which is how services
// mirror health into the metric registry without polling:
//
//	monitor := health.NewMonitor(health.WithChangeHook(func(name string, s health.Status) {
//	    v := 0
//	    if s.IsHealthy() {
//	        v = 1
//	    }
//	    metrics.RecordHealthStatus(name, v)
//	}))
//
// # Thread Safety
//
// All Monitor operations are safe for concurrent use. Status values are
// immutable; WithMetrics and WithSubStatus return copies rather than
// mutating the receiver.
package health
