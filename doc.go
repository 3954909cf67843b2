// Package lattice provides a composable graph query engine and a
// real-time synchronization protocol for multi-project knowledge graphs.
//
// # Philosophy: One Graph, Many Views
//
// Lattice is the backend of an engineering dashboard that tracks
// repositories, technologies, services, files, symbols, and research
// tasks as a single project-partitioned knowledge graph. Everything the
// dashboard shows is a view over that graph:
//
//   - Queries are composed declaratively (selectors, filters, traversal,
//     aggregation) and executed read-only against the store.
//   - Every mutation becomes exactly one event on a NATS subject; clients
//     mirror the graph by replaying a snapshot plus the ordered stream.
//   - Cross-project edges live in a federation layer so each project's
//     graph stays authoritative while links span deployments.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│            GraphAPI service          │  query, search, federation,
//	│  (HTTP + SSE + WebSocket transports) │  actions, event streams
//	└──────────────────────────────────────┘
//	           ↓ reads through
//	┌──────────────────────────────────────┐
//	│     Query engine / Federation        │  selectors, filters, traversal,
//	│     resolver / Affordance executor   │  aggregation, link resolution
//	└──────────────────────────────────────┘
//	           ↓ backed by
//	┌──────────────────────────────────────┐
//	│  Graph store (memory | JetStream KV) │  nodes, edges, per-project
//	│  + Emitter → graph.events.{p}.{t}    │  partitions, change events
//	└──────────────────────────────────────┘
//
// Mutations flow in through the graph manager (HTTP ingest or NATS
// subjects), are validated, written to the store, and emitted. The SSE
// and WebSocket transports are subscription views over the event
// subjects; they never read the store.
//
// # Synchronization Protocol
//
// Clients converge on the server's graph without ever locking it:
//
//	stream   := GET /events/stream   (SSE)  or  GET /ws/graph  (WS)
//	snapshot := GET /projects/{id}
//
//	1. Open the stream first; buffer incoming events.
//	2. Fetch the snapshot, install it.
//	3. Replay the buffered events on top, then apply live.
//
// Event application is idempotent and ordered, so at-least-once delivery
// across reconnects cannot corrupt the mirror. An invalidated event only
// marks the view stale; data survives until the next refresh. The
// graphsync package implements this loop as a reusable client.
//
// # Framework Packages
//
// Domain:
//   - graph: node/edge model, memory and JetStream KV stores, mutation
//     manager, event emitter, NATS ingest workers
//   - query: canonical query model, text/structured/GraphQL parser,
//     execution engine with traversal budgets and a BLAKE3-keyed cache
//   - federation: cross-project link registry (memory or Badger) and
//     the federation query resolver
//   - graphsync: client-side mirror (state reducer, snapshot-plus-stream
//     synchronizer, pending-operation tracking)
//   - affordance: server-declared action registry, executor and the
//     client-side result interpreter
//
// Infrastructure:
//   - service: service lifecycle (BaseService, registry, manager), the
//     GraphAPI HTTP surface, the ingest and metrics services
//   - transport: event bus facade over NATS, SSE handler, WebSocket
//     server and reconnecting client
//   - natsclient: NATS connection management with health monitoring and
//     a circuit breaker
//   - config: versioned configuration with fsnotify hot reload gated by
//     semver
//   - metric: Prometheus registry and per-service registration
//   - errors: error classification taxonomy (transient, invalid, fatal,
//     not-found) driving HTTP status mapping
//   - health: health status model with sanitized messages
//
// Utilities:
//   - pkg/cache: TTL cache backing query results
//   - pkg/ring: event ring buffer for the synchronizer's replay window
//   - pkg/backoff: retry policies and reconnect pacing
//   - pkg/worker: bounded worker pool for the ingest pipeline
//   - pkg/security, pkg/tlsutil, pkg/acme: server TLS, mTLS and ACME
//
// # Usage Patterns
//
// Embedding the engine without the server:
//
//	store := graph.NewMemoryStore()
//	manager := graph.NewManager(store, emitter, logger)
//
//	engine, _ := query.NewEngine(query.Deps{Store: store})
//	result, _ := engine.Execute(ctx, &query.ComposedQuery{
//	    Entities: []query.EntitySelector{{Type: graph.EntitySymbol, Scope: "atlas"}},
//	})
//
// Mirroring a remote graph:
//
//	source, _ := transport.NewWSClient(transport.WSClientOptions{URL: wsURL})
//	syncer, _ := graphsync.New(source, fetchSnapshot, graphsync.Options{
//	    Topics: []string{"project:atlas"},
//	})
//	_ = syncer.Start(ctx)
//	view := syncer.State().Snapshot()
//
// # Binary
//
// cmd/latticed wires the full stack: configuration with hot reload, the
// NATS client, the selected store backends, and the service manager that
// owns the shared HTTP listener. A standalone mode runs everything
// in-process for development:
//
//	latticed --config configs/lattice.yaml
//	latticed --standalone --log-level=debug
package lattice
