package natsclient

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		assert.Equal(t, "nats://localhost:4222", client.URL())
		assert.Equal(t, StatusDisconnected, client.Status())
		assert.Equal(t, -1, client.MaxReconnects())
		assert.Equal(t, 2*time.Second, client.ReconnectWait())
		assert.Equal(t, 30*time.Second, client.PingInterval())
		assert.Equal(t, time.Second, client.Backoff())
		assert.Equal(t, int32(0), client.Failures())
	})

	t.Run("with options", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222",
			WithMaxReconnects(3),
			WithReconnectWait(5*time.Second),
			WithPingInterval(time.Minute),
			WithName("lattice-test"),
			WithCircuitBreakerThreshold(10),
		)
		require.NoError(t, err)

		assert.Equal(t, 3, client.MaxReconnects())
		assert.Equal(t, 5*time.Second, client.ReconnectWait())
		assert.Equal(t, time.Minute, client.PingInterval())
		assert.Equal(t, int32(10), client.circuitThreshold)
	})

	t.Run("option error propagates", func(t *testing.T) {
		failing := func(*Client) error {
			return stderrors.New("bad option")
		}
		_, err := NewClient("nats://localhost:4222", ClientOption(failing))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apply option")
	})
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	// Failures below the threshold leave the circuit closed
	for i := 0; i < 4; i++ {
		client.recordFailure()
		assert.NotEqual(t, StatusCircuitOpen, client.Status(),
			"circuit should stay closed after %d failures", i+1)
	}

	// Threshold failure opens the circuit
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()

	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.True(t, client.lastFailure.Load().(time.Time).IsZero())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	// First open doubles the backoff for the next round
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	// Continued failures while open keep doubling
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	// Backoff never exceeds the configured cap
	for i := 0; i < 50; i++ {
		client.recordFailure()
	}
	assert.LessOrEqual(t, client.Backoff(), time.Minute)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}

	t.Run("set and read", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		for _, tt := range tests[:5] {
			client.setStatus(tt.status)
			assert.Equal(t, tt.status, client.Status())
		}
	})
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	statuses := []ConnectionStatus{
		StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting,
	}

	for i := 0; i < 10; i++ {
		wg.Add(4)
		go func(n int) {
			defer wg.Done()
			client.setStatus(statuses[n%len(statuses)])
		}(i)
		go func() {
			defer wg.Done()
			_ = client.Status()
		}()
		go func() {
			defer wg.Done()
			client.recordFailure()
		}()
		go func() {
			defer wg.Done()
			client.resetCircuit()
		}()
	}

	wg.Wait()

	// Status must land on a known value
	s := client.Status()
	assert.GreaterOrEqual(t, int(s), int(StatusDisconnected))
	assert.LessOrEqual(t, int(s), int(StatusCircuitOpen))
}

func TestIsHealthy(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   bool
	}{
		{StatusDisconnected, false},
		{StatusConnecting, false},
		{StatusConnected, true},
		{StatusReconnecting, false},
		{StatusCircuitOpen, false},
	}

	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			client.setStatus(tt.status)
			assert.Equal(t, tt.want, client.IsHealthy())
		})
	}
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out when never connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection timeout")
	})

	t.Run("returns immediately when connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)
		client.setStatus(StatusConnected)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		start := time.Now()
		err = client.WaitForConnection(ctx)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("returns once connection arrives", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			client.setStatus(StatusConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err = client.WaitForConnection(ctx)
		assert.NoError(t, err)
	})
}

func TestKeyValueBuckets(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "test"})
		assert.ErrorIs(t, err, ErrNotConnected)

		_, err = client.GetKeyValueBucket(ctx, "test")
		assert.ErrorIs(t, err, ErrNotConnected)

		err = client.DeleteKeyValueBucket(ctx, "test")
		assert.ErrorIs(t, err, ErrNotConnected)

		_, err = client.ListKeyValueBuckets(ctx)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("circuit open", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			client.recordFailure()
		}
		require.Equal(t, StatusCircuitOpen, client.Status())

		_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "test"})
		assert.ErrorIs(t, err, ErrCircuitOpen)

		_, err = client.GetKeyValueBucket(ctx, "test")
		assert.ErrorIs(t, err, ErrCircuitOpen)

		err = client.DeleteKeyValueBucket(ctx, "test")
		assert.ErrorIs(t, err, ErrCircuitOpen)

		_, err = client.ListKeyValueBuckets(ctx)
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("against real server", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping container test in short mode")
		}

		container, url := startTestNATSContainerWithJS(t)
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		}()

		client, err := NewClient(url, WithMaxReconnects(0), WithHealthInterval(0))
		require.NoError(t, err)

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		require.NoError(t, client.Connect(connectCtx))
		defer func() { _ = client.Close(context.Background()) }()

		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket: "lattice_test",
		})
		require.NoError(t, err)
		require.NotNil(t, bucket)

		// Creating again reuses the existing bucket
		again, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket: "lattice_test",
		})
		require.NoError(t, err)
		require.NotNil(t, again)

		got, err := client.GetKeyValueBucket(ctx, "lattice_test")
		require.NoError(t, err)
		require.NotNil(t, got)

		names, err := client.ListKeyValueBuckets(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, "lattice_test")

		require.NoError(t, client.DeleteKeyValueBucket(ctx, "lattice_test"))

		_, err = client.GetKeyValueBucket(ctx, "lattice_test")
		assert.Error(t, err)
	})
}

func TestContextAwareMethods(t *testing.T) {
	ctx := context.Background()

	t.Run("without connection", func(t *testing.T) {
		client, err := NewClient("nats://invalid-host-that-does-not-exist:4222",
			WithTimeout(100*time.Millisecond),
			WithMaxReconnects(0),
			WithHealthInterval(0),
		)
		require.NoError(t, err)

		connectCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		assert.Error(t, client.Connect(connectCtx))

		assert.ErrorIs(t, client.Publish(ctx, "test.subject", []byte("data")), ErrNotConnected)
		assert.ErrorIs(t, client.Subscribe(ctx, "test.subject", func(context.Context, []byte) {}), ErrNotConnected)
		assert.ErrorIs(t,
			client.SubscribeQueue(ctx, "test.subject", "workers", func(context.Context, *gonats.Msg) {}),
			ErrNotConnected)

		_, err = client.Request(ctx, "test.subject", []byte("data"))
		assert.ErrorIs(t, err, ErrNotConnected)

		assert.NoError(t, client.Close(ctx))
	})

	t.Run("publish subscribe round trip", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping container test in short mode")
		}

		container, url := startTestNATSContainer(t)
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		}()

		client, err := NewClient(url, WithMaxReconnects(0), WithHealthInterval(0))
		require.NoError(t, err)

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		require.NoError(t, client.Connect(connectCtx))
		defer func() { _ = client.Close(context.Background()) }()

		received := make(chan []byte, 1)
		err = client.Subscribe(ctx, "graph.events.test", func(_ context.Context, data []byte) {
			received <- data
		})
		require.NoError(t, err)

		require.NoError(t, client.Publish(ctx, "graph.events.test", []byte("hello")))

		select {
		case data := <-received:
			assert.Equal(t, []byte("hello"), data)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("request reply through queue group", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping container test in short mode")
		}

		container, url := startTestNATSContainer(t)
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		}()

		client, err := NewClient(url, WithMaxReconnects(0), WithHealthInterval(0))
		require.NoError(t, err)

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		require.NoError(t, client.Connect(connectCtx))
		defer func() { _ = client.Close(context.Background()) }()

		err = client.SubscribeQueue(ctx, "graph.rpc.echo", "echo-workers",
			func(msgCtx context.Context, msg *gonats.Msg) {
				if msg.Reply != "" {
					_ = client.Publish(msgCtx, msg.Reply, append([]byte("echo:"), msg.Data...))
				}
			})
		require.NoError(t, err)

		reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
		defer reqCancel()

		reply, err := client.Request(reqCtx, "graph.rpc.echo", []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, []byte("echo:ping"), reply)
	})
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(7),
		WithReconnectWait(3*time.Second),
		WithCredentials("user", "pass"),
		WithName("lattice-graph"),
		WithCompression(true),
	)
	require.NoError(t, err)

	opts := client.ConnectionOptions()
	assert.NotEmpty(t, opts)

	// Options are applied by nats.Connect; spot check via a nats.Options struct
	var natsOpts gonats.Options
	for _, opt := range opts {
		require.NoError(t, opt(&natsOpts))
	}
	assert.Equal(t, 7, natsOpts.MaxReconnect)
	assert.Equal(t, 3*time.Second, natsOpts.ReconnectWait)
	assert.Equal(t, "user", natsOpts.User)
	assert.Equal(t, "lattice-graph", natsOpts.Name)
	assert.True(t, natsOpts.Compression)
}

func TestWithSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	client, err := NewClient("nats://localhost:4222", WithSlog(logger))
	require.NoError(t, err)

	client.logger.Printf("connecting to %s", "nats://localhost:4222")
	client.logger.Errorf("lost connection after %d attempts", 3)
	client.logger.Debugf("breaker state %d", 0)

	out := buf.String()
	assert.Contains(t, out, "component=nats")
	assert.Contains(t, out, "connecting to nats://localhost:4222")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "lost connection after 3 attempts")
	assert.Contains(t, out, "level=DEBUG")

	// Nil keeps whatever logger is already set.
	_, err = NewClient("nats://localhost:4222", WithSlog(nil))
	assert.NoError(t, err)
}

func TestClientStatus(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	status := client.GetStatus()
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Equal(t, int32(0), status.FailureCount)
	assert.True(t, status.LastFailureTime.IsZero())
	assert.Equal(t, int32(0), status.Reconnects)

	client.recordFailure()

	status = client.GetStatus()
	assert.Equal(t, int32(1), status.FailureCount)
	assert.False(t, status.LastFailureTime.IsZero())
}

func TestClientScenarios(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "close before connect is safe",
			run: func(t *testing.T) {
				client, err := NewClient("nats://localhost:4222")
				require.NoError(t, err)
				assert.NoError(t, client.Close(ctx))
			},
		},
		{
			name: "double close is safe",
			run: func(t *testing.T) {
				client, err := NewClient("nats://localhost:4222")
				require.NoError(t, err)
				assert.NoError(t, client.Close(ctx))
				assert.NoError(t, client.Close(ctx))
			},
		},
		{
			name: "rtt without connection",
			run: func(t *testing.T) {
				client, err := NewClient("nats://localhost:4222")
				require.NoError(t, err)
				_, err = client.RTT()
				assert.ErrorIs(t, err, ErrNotConnected)
			},
		},
		{
			name: "jetstream before connect",
			run: func(t *testing.T) {
				client, err := NewClient("nats://localhost:4222")
				require.NoError(t, err)
				_, err = client.JetStream()
				require.Error(t, err)
				assert.Contains(t, err.Error(), "JetStream not initialized")
			},
		},
		{
			name: "connect fails fast while circuit open",
			run: func(t *testing.T) {
				client, err := NewClient("nats://localhost:4222")
				require.NoError(t, err)
				for i := 0; i < 5; i++ {
					client.recordFailure()
				}
				err = client.Connect(ctx)
				assert.ErrorIs(t, err, ErrCircuitOpen)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.run)
	}
}

func TestCreateKeyValueBucket_AlreadyExists(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"bucket name in use", stderrors.New("nats: bucket name already in use"), true},
		{"already exists", stderrors.New("stream already exists"), true},
		{"stream name in use", stderrors.New("nats: stream name already in use"), true},
		{"unrelated error", stderrors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAlreadyExistsError(tt.err))
		})
	}
}

func TestHealthCallbacks(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var mu sync.Mutex
	var transitions []bool
	client.OnHealthChange(func(healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	})

	client.handleDisconnect(nil, stderrors.New("connection reset"))
	assert.Equal(t, StatusReconnecting, client.Status())

	client.handleReconnect(nil)
	assert.Equal(t, StatusConnected, client.Status())
	assert.Equal(t, int32(1), client.GetStatus().Reconnects)

	client.handleClosed(nil)
	assert.Equal(t, StatusDisconnected, client.Status())

	// Callbacks fire asynchronously
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, 10*time.Millisecond)
}

// startTestNATSContainer starts a plain NATS server and returns it with a
// client URL.
func startTestNATSContainer(t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	return startNATSContainer(t, []string{"--port", "4222"})
}

// startTestNATSContainerWithJS starts a NATS server with JetStream enabled.
func startTestNATSContainerWithJS(t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	return startNATSContainer(t, []string{"--port", "4222", "--js"})
}

func startNATSContainer(t *testing.T, cmd []string) (testcontainers.Container, string) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          cmd,
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)

	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}
