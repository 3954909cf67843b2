package transport

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/pkg/backoff"
)

func waitState(t *testing.T, states <-chan WSClientState, want WSClientState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func nextWSEvent(t *testing.T, events <-chan WSEvent) WSEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed early")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return WSEvent{}
	}
}

func TestWSClient_QueuedSubscribeFlushedOnOpen(t *testing.T) {
	_, bus, url := newWSTestServer(t, WSOptions{})

	states := make(chan WSClientState, 16)
	client, err := NewWSClient(WSClientOptions{
		URL:     url,
		OnState: func(s WSClientState) { states <- s },
	})
	require.NoError(t, err)

	// Issued before Start: queued, then flushed on the first open.
	require.NoError(t, client.Subscribe("project:platform"))
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Close() })

	waitState(t, states, WSStateConnected)
	require.Eventually(t, func() bool { return busSubCount(bus) == 1 },
		2*time.Second, 5*time.Millisecond, "queued subscribe never reached the server")

	bus.Emit(context.Background(),
		graph.NewNodeCreated(graph.NewNode(graph.EntityRepository, "api", "platform", "API")))

	event := nextWSEvent(t, client.Events())
	assert.Equal(t, "project:platform", event.Topic)
	decoded := decodeEvent(t, string(event.Data))
	assert.Equal(t, graph.EventNodeCreated, decoded.Type)

	require.NoError(t, client.Close())
	assert.Equal(t, WSStateClosed, client.State())
	_, ok := <-client.Events()
	assert.False(t, ok, "event channel should close after Close")
}

func TestWSClient_ResubscribesAfterReconnect(t *testing.T) {
	ws, bus, url := newWSTestServer(t, WSOptions{})

	states := make(chan WSClientState, 16)
	client, err := NewWSClient(WSClientOptions{
		URL:     url,
		Backoff: backoff.Policy{Initial: 10 * time.Millisecond, Factor: 2, Max: 50 * time.Millisecond, MaxAttempts: 5},
		OnState: func(s WSClientState) { states <- s },
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Close() })

	waitState(t, states, WSStateConnected)
	require.NoError(t, client.Subscribe("project:platform"))
	require.Eventually(t, func() bool { return busSubCount(bus) == 1 },
		2*time.Second, 5*time.Millisecond)

	// Drop the connection server side.
	ws.mu.Lock()
	var victim *wsClient
	for cl := range ws.clients {
		victim = cl
	}
	ws.mu.Unlock()
	require.NotNil(t, victim)
	ws.close(victim)

	waitState(t, states, WSStateReconnecting)
	waitState(t, states, WSStateConnected)
	require.Eventually(t, func() bool { return busSubCount(bus) == 1 },
		2*time.Second, 5*time.Millisecond, "topics should be replayed after reconnect")

	bus.Emit(context.Background(),
		graph.NewNodeCreated(graph.NewNode(graph.EntityRepository, "api", "platform", "API")))
	event := nextWSEvent(t, client.Events())
	assert.Equal(t, "project:platform", event.Topic)
}

func TestWSClient_FailsAfterReconnectBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // nothing listens here anymore

	states := make(chan WSClientState, 16)
	client, err := NewWSClient(WSClientOptions{
		URL:     url,
		Backoff: backoff.Policy{Initial: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: 2},
		OnState: func(s WSClientState) { states <- s },
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Close() })

	waitState(t, states, WSStateFailed)
	assert.Equal(t, WSStateFailed, client.State())
	_, ok := <-client.Events()
	assert.False(t, ok, "event channel should close on permanent failure")
}

func TestWSClient_LiveSubscribeAndUnsubscribe(t *testing.T) {
	_, bus, url := newWSTestServer(t, WSOptions{})

	states := make(chan WSClientState, 16)
	client, err := NewWSClient(WSClientOptions{
		URL:     url,
		OnState: func(s WSClientState) { states <- s },
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Close() })
	waitState(t, states, WSStateConnected)

	require.NoError(t, client.Subscribe("project:platform"))
	require.Eventually(t, func() bool { return busSubCount(bus) == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Unsubscribe("project:platform"))
	require.Eventually(t, func() bool { return busSubCount(bus) == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestWSClient_SubscribeCoalesced(t *testing.T) {
	client, err := NewWSClient(WSClientOptions{URL: "ws://127.0.0.1:0/ws/graph"})
	require.NoError(t, err)

	require.NoError(t, client.Subscribe("project:platform"))
	require.NoError(t, client.Subscribe("project:platform"))

	client.mu.Lock()
	wanted := len(client.wanted)
	client.mu.Unlock()
	assert.Equal(t, 1, wanted)

	require.NoError(t, client.Unsubscribe("project:platform"))
	require.NoError(t, client.Unsubscribe("project:platform"))

	client.mu.Lock()
	wanted = len(client.wanted)
	client.mu.Unlock()
	assert.Equal(t, 0, wanted)
}

func TestWSClient_RequiresURL(t *testing.T) {
	_, err := NewWSClient(WSClientOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestWSClient_StartTwice(t *testing.T) {
	_, _, url := newWSTestServer(t, WSOptions{})

	client, err := NewWSClient(WSClientOptions{URL: url})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Close() })

	err = client.Start(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyStarted))
}

func TestWSClient_CloseBeforeStart(t *testing.T) {
	client, err := NewWSClient(WSClientOptions{URL: "ws://127.0.0.1:0/ws/graph"})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}
