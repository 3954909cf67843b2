package transport

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
)

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		filter  string
		subject string
		match   bool
	}{
		{"graph.events.platform.node.created", "graph.events.platform.node.created", true},
		{"graph.events.platform.node.created", "graph.events.platform.node.deleted", false},
		{"graph.events.>", "graph.events.platform.node.created", true},
		{"graph.events.>", "graph.events.platform", true},
		// ">" needs at least one trailing token.
		{"graph.events.>", "graph.events", false},
		{"graph.events.platform.>", "graph.events.platform.edge.created", true},
		{"graph.events.platform.>", "graph.events.research.edge.created", false},
		{"graph.events.*.node.created", "graph.events.platform.node.created", true},
		{"graph.events.*.node.created", "graph.events.platform.edge.created", false},
		// "*" matches exactly one token.
		{"graph.events.*", "graph.events.platform.node.created", false},
		{"graph.events.*", "graph.events.platform", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter+" vs "+tt.subject, func(t *testing.T) {
			got := subjectMatches(strings.Split(tt.filter, "."), tt.subject)
			assert.Equal(t, tt.match, got)
		})
	}
}

func TestLocalBus_PublishesToMatchingSubscribers(t *testing.T) {
	bus := NewLocalBus()

	var platform, all [][]byte
	_, err := bus.Subscribe("graph.events.platform.>", func(data []byte) {
		platform = append(platform, data)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("graph.events.>", func(data []byte) {
		all = append(all, data)
	})
	require.NoError(t, err)

	bus.Publish("graph.events.platform.node.created", []byte("a"))
	bus.Publish("graph.events.research.node.created", []byte("b"))

	require.Len(t, platform, 1)
	assert.Equal(t, "a", string(platform[0]))
	require.Len(t, all, 2)
}

func TestLocalBus_DrainStopsDelivery(t *testing.T) {
	bus := NewLocalBus()

	var got int
	sub, err := bus.Subscribe("graph.events.>", func([]byte) { got++ })
	require.NoError(t, err)

	bus.Publish("graph.events.platform.node.created", nil)
	require.NoError(t, sub.Drain())
	bus.Publish("graph.events.platform.node.created", nil)

	assert.Equal(t, 1, got)
}

func TestLocalBus_EmitDeliversEncodedEvents(t *testing.T) {
	bus := NewLocalBus()

	var got []graph.Event
	_, err := bus.Subscribe("graph.events.platform.>", func(data []byte) {
		var event graph.Event
		require.NoError(t, json.Unmarshal(data, &event))
		got = append(got, event)
	})
	require.NoError(t, err)

	node := graph.NewNode(graph.EntityRepository, "api", "platform", "API")
	bus.Emit(context.Background(), graph.NewNodeCreated(node))
	bus.Emit(context.Background(), graph.NewNodeDeleted("research", "repository:api"))

	require.Len(t, got, 1)
	assert.Equal(t, graph.EventNodeCreated, got[0].Type)
	assert.Equal(t, "platform", got[0].ProjectID)
	require.NotNil(t, got[0].Node)
	assert.Equal(t, "repository:api", got[0].Node.ID)
}

func TestLocalBus_SubscribeValidates(t *testing.T) {
	bus := NewLocalBus()

	_, err := bus.Subscribe("", func([]byte) {})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = bus.Subscribe("graph.events.>", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
