package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/latticeworks/lattice/errors"
)

// TestClient provides a containerized NATS server plus a connected Client
// for integration tests.
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
	cleanup   func()
}

// testConfig holds configuration for the test NATS server
type testConfig struct {
	jetstream    bool
	kv           bool
	kvBuckets    []string
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures the test NATS server
type TestOption func(*testConfig)

// WithJetStream enables JetStream on the test server
func WithJetStream() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
	}
}

// WithKV enables KV support (implies JetStream)
func WithKV() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kv = true
	}
}

// WithKVBuckets pre-creates the named KV buckets (implies KV and JetStream)
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kv = true
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithNATSVersion sets the NATS server image version
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithTestTimeout sets the client connection timeout
func WithTestTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = d
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = d
	}
}

func defaultTestConfig() *testConfig {
	return &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
}

// startTestClient starts a NATS container and connects a Client to it.
// Both test entry points share this so the container wiring lives in one
// place.
func startTestClient(cfg *testConfig) (*TestClient, error) {
	ctx := context.Background()

	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		cmd = append(cmd, "--js")
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          cmd,
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "TestClient", "startTestClient", "start NATS container")
	}

	terminate := func() {
		if termErr := container.Terminate(context.Background()); termErr != nil {
			fmt.Printf("failed to terminate NATS container: %v\n", termErr)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		return nil, errors.WrapTransient(err, "TestClient", "startTestClient", "get container host")
	}

	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		terminate()
		return nil, errors.WrapTransient(err, "TestClient", "startTestClient", "get mapped port")
	}

	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url,
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	if err != nil {
		terminate()
		return nil, errors.Wrap(err, "TestClient", "startTestClient", "create client")
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		terminate()
		return nil, errors.WrapTransient(err, "TestClient", "startTestClient", "connect to NATS")
	}

	if err := client.WaitForConnection(connectCtx); err != nil {
		_ = client.Close(context.Background())
		terminate()
		return nil, errors.WrapTransient(err, "TestClient", "startTestClient", "wait for connection")
	}

	tc := &TestClient{
		container: container,
		Client:    client,
		URL:       url,
		cleanup: func() {
			_ = client.Close(context.Background())
			terminate()
		},
	}

	if cfg.kv {
		if err := tc.setupKVBuckets(ctx, cfg.kvBuckets); err != nil {
			tc.cleanup()
			return nil, err
		}
	}

	return tc, nil
}

// NewSharedTestClient starts a test NATS server and returns errors instead
// of failing a test, which suits TestMain-style shared setup.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := defaultTestConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return startTestClient(cfg)
}

// NewTestClient starts a test NATS server for a single test and registers
// cleanup with the test framework.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := defaultTestConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	tc, err := startTestClient(cfg)
	if err != nil {
		t.Fatalf("failed to start test NATS client: %v", err)
	}

	t.Cleanup(tc.cleanup)
	return tc
}

// setupKVBuckets pre-creates the configured KV buckets
func (tc *TestClient) setupKVBuckets(ctx context.Context, buckets []string) error {
	for _, bucket := range buckets {
		_, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket: bucket,
		})
		if err != nil {
			return errors.Wrap(err, "TestClient", "setupKVBuckets",
				fmt.Sprintf("create bucket %s", bucket))
		}
	}
	return nil
}

// Terminate shuts down the client and the container
func (tc *TestClient) Terminate() {
	if tc.cleanup != nil {
		tc.cleanup()
		tc.cleanup = nil
	}
}

// IsReady reports whether the client is connected and healthy
func (tc *TestClient) IsReady() bool {
	return tc.Client != nil && tc.Client.IsHealthy()
}

// GetNativeConnection returns the underlying NATS connection for tests
// that need raw access
func (tc *TestClient) GetNativeConnection() *gonats.Conn {
	return tc.Client.GetConnection()
}

// CreateKVBucket creates a KV bucket on the test server
func (tc *TestClient) CreateKVBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	return tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name})
}

// GetKVBucket opens an existing KV bucket on the test server
func (tc *TestClient) GetKVBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	return tc.Client.GetKeyValueBucket(ctx, name)
}
