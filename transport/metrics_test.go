package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/metric"
)

func TestStreamMetrics_NilRegistryDisables(t *testing.T) {
	m, err := newStreamMetrics(nil, "sse")
	require.NoError(t, err)
	require.Nil(t, m)

	// Nil receivers record nothing and never panic.
	m.connected()
	m.sent()
	m.droppedEvents(3)
	m.disconnected()
}

func TestStreamMetrics_SubsystemsCoexist(t *testing.T) {
	registry := metric.NewRegistry()

	sse, err := newStreamMetrics(registry, "sse")
	require.NoError(t, err)
	require.NotNil(t, sse)

	ws, err := newStreamMetrics(registry, "websocket")
	require.NoError(t, err)
	require.NotNil(t, ws)

	sse.connected()
	ws.connected()
	ws.droppedEvents(2)
	ws.disconnected()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	assert.True(t, found["lattice_sse_connections_total"])
	assert.True(t, found["lattice_websocket_connections_total"])
	assert.True(t, found["lattice_websocket_events_dropped_total"])
}
