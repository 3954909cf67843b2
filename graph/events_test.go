package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSubjects(t *testing.T) {
	node := NewNode(EntityRepository, "api", "platform", "API")
	ev := NewNodeCreated(node)

	assert.Equal(t, "graph.events.platform.node.created", ev.Subject())
	assert.Equal(t, "graph.events.platform.>", ProjectEventsSubject("platform"))
	assert.Equal(t, "graph.events.>", AllEventsSubject)
}

func TestEventConstructors(t *testing.T) {
	node := NewNode(EntityRepository, "api", "platform", "API")

	created := NewNodeCreated(node)
	require.NoError(t, created.Validate())
	assert.Equal(t, EventNodeCreated, created.Type)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Timestamp.IsZero())
	require.NotNil(t, created.Node)
	assert.NotSame(t, node, created.Node, "event carries a copy")

	label := "renamed"
	updated := NewNodeUpdated("platform", NodeChanges{NodeID: node.ID, Label: &label})
	require.NoError(t, updated.Validate())

	deleted := NewNodeDeleted("platform", node.ID)
	require.NoError(t, deleted.Validate())

	edge := &Edge{From: "repository:api", To: "technology:go", Type: EdgeUses, ProjectID: "platform"}
	edgeCreated := NewEdgeCreated(edge)
	require.NoError(t, edgeCreated.Validate())

	edgeDeleted := NewEdgeDeleted("platform", edge.Ref())
	require.NoError(t, edgeDeleted.Validate())

	invalidated := NewInvalidated("platform", "bulk import")
	require.NoError(t, invalidated.Validate())
}

func TestEvent_Validate_PayloadArms(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
	}{
		{"created without node", Event{Type: EventNodeCreated, ProjectID: "p"}},
		{"updated without changes", Event{Type: EventNodeUpdated, ProjectID: "p"}},
		{"updated without node id", Event{Type: EventNodeUpdated, ProjectID: "p", Changes: &NodeChanges{}}},
		{"deleted without node id", Event{Type: EventNodeDeleted, ProjectID: "p"}},
		{"edge created without edge", Event{Type: EventEdgeCreated, ProjectID: "p"}},
		{"edge deleted without ref", Event{Type: EventEdgeDeleted, ProjectID: "p"}},
		{"invalidated without reason", Event{Type: EventInvalidated, ProjectID: "p"}},
		{"unknown type", Event{Type: "node.exploded", ProjectID: "p", NodeID: "x"}},
		{"bad project id", Event{Type: EventNodeDeleted, ProjectID: "has space", NodeID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.ev.Validate())
		})
	}
}
