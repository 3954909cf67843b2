// Package natsclient manages NATS connections for the Lattice graph
// services with circuit breaker protection, health monitoring, and
// JetStream key-value access.
//
// # Connection Management
//
// Client wraps a single NATS connection and tracks its lifecycle through
// explicit states (disconnected, connecting, connected, reconnecting,
// circuit open). Connection attempts respect context cancellation:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("graph-api"),
//		natsclient.WithTimeout(5*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// # Circuit Breaker
//
// Repeated connection failures open a circuit breaker with exponential
// backoff (1s doubling up to a configurable cap, default one minute).
// While the circuit is open, Connect and the key-value methods fail fast
// with ErrCircuitOpen instead of hammering an unreachable server. After
// the backoff elapses the circuit moves to half-open and the next attempt
// decides whether it closes again.
//
// # Messaging
//
// Publish, Subscribe, SubscribeQueue, and Request cover the core NATS
// patterns. Graph mutation ingest uses SubscribeQueue so multiple service
// instances share one queue group; event fan-out to stream transports uses
// plain Subscribe. Message handlers receive a context with a 30-second
// processing timeout derived from the subscription context.
//
// # Key-Value Buckets
//
// CreateKeyValueBucket, GetKeyValueBucket, DeleteKeyValueBucket, and
// ListKeyValueBuckets manage JetStream KV buckets, which back the
// persistent graph store. Create is tolerant of concurrent creation races
// and falls back to opening the existing bucket.
//
// # Metrics
//
// WithMetrics attaches a metric.Registry; the client then exports
// connection status, round-trip time, reconnect count, and circuit
// breaker state through the core Lattice metric set. Without the option
// all recording is a no-op.
//
// # Testing
//
// TestClient starts a disposable NATS server in a container (via
// testcontainers) with optional JetStream and pre-created KV buckets. See
// NewTestClient and the TestOption helpers.
package natsclient
