package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/errors"
)

func newTestManager(t *testing.T) (*Manager, *CaptureEmitter) {
	t.Helper()
	capture := &CaptureEmitter{}
	return NewManager(newTestStore(t), capture, nil), capture
}

func TestManager_CreateNode_EmitsOnce(t *testing.T) {
	m, capture := newTestManager(t)
	ctx := context.Background()

	node := NewNode(EntityRepository, "api", "platform", "API")
	stored, created, err := m.CreateNode(ctx, node)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, stored)

	events := capture.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventNodeCreated, events[0].Type)
	assert.Equal(t, "platform", events[0].ProjectID)
	require.NotNil(t, events[0].Node)
	assert.Equal(t, "repository:api", events[0].Node.ID)
}

func TestManager_CreateNode_DuplicateIsNoOp(t *testing.T) {
	m, capture := newTestManager(t)
	ctx := context.Background()

	first := NewNode(EntityRepository, "api", "platform", "API")
	_, _, err := m.CreateNode(ctx, first)
	require.NoError(t, err)

	dup := NewNode(EntityRepository, "api", "platform", "Other label")
	existing, created, err := m.CreateNode(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "API", existing.Label, "existing node wins")

	assert.Len(t, capture.Events(), 1, "duplicate create emits nothing")
}

func TestManager_UpdateNode_EmitsChangesOnly(t *testing.T) {
	m, capture := newTestManager(t)
	ctx := context.Background()

	node := NewNode(EntityRepository, "api", "platform", "API")
	node.Metadata = map[string]any{"stars": 1}
	_, _, err := m.CreateNode(ctx, node)
	require.NoError(t, err)
	capture.Reset()

	label := "API service"
	updated, err := m.UpdateNode(ctx, "platform", "repository:api", &label, map[string]any{"stars": 2})
	require.NoError(t, err)
	assert.Equal(t, "API service", updated.Label)

	events := capture.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventNodeUpdated, events[0].Type)
	require.NotNil(t, events[0].Changes)
	assert.Equal(t, "repository:api", events[0].Changes.NodeID)
	require.NotNil(t, events[0].Changes.Label)
	assert.Equal(t, "API service", *events[0].Changes.Label)
	assert.Equal(t, map[string]any{"stars": 2}, events[0].Changes.Metadata)
	assert.Nil(t, events[0].Node, "update events carry changes, not full nodes")
}

func TestManager_UpdateNode_UnknownNodeEmitsNothing(t *testing.T) {
	m, capture := newTestManager(t)

	label := "x"
	_, err := m.UpdateNode(context.Background(), "platform", "repository:ghost", &label, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, capture.Events())
}

func TestManager_UpdateNode_NoChangesRejected(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.UpdateNode(context.Background(), "platform", "repository:api", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestManager_DeleteNode_SingleEventDespiteCascade(t *testing.T) {
	m, capture := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.CreateNode(ctx, NewNode(EntityRepository, "api", "platform", "API"))
	require.NoError(t, err)
	_, _, err = m.CreateNode(ctx, NewNode(EntityTechnology, "go", "platform", "Go"))
	require.NoError(t, err)
	_, err = m.CreateEdge(ctx, &Edge{From: "repository:api", To: "technology:go", Type: EdgeUses, ProjectID: "platform"})
	require.NoError(t, err)
	capture.Reset()

	require.NoError(t, m.DeleteNode(ctx, "platform", "repository:api"))

	events := capture.Events()
	require.Len(t, events, 1, "cascade is the consumer's job")
	assert.Equal(t, EventNodeDeleted, events[0].Type)
	assert.Equal(t, "repository:api", events[0].NodeID)
}

func TestManager_CreateEdge_UpsertEmitsEachTime(t *testing.T) {
	m, capture := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.CreateNode(ctx, NewNode(EntityRepository, "api", "platform", "API"))
	require.NoError(t, err)
	_, _, err = m.CreateNode(ctx, NewNode(EntityTechnology, "go", "platform", "Go"))
	require.NoError(t, err)
	capture.Reset()

	w1, w2 := 1.0, 2.0
	_, err = m.CreateEdge(ctx, &Edge{From: "repository:api", To: "technology:go", Type: EdgeUses, Weight: &w1, ProjectID: "platform"})
	require.NoError(t, err)
	stored, err := m.CreateEdge(ctx, &Edge{From: "repository:api", To: "technology:go", Type: EdgeUses, Weight: &w2, ProjectID: "platform"})
	require.NoError(t, err)
	require.NotNil(t, stored.Weight)
	assert.Equal(t, 2.0, *stored.Weight)

	events := capture.Events()
	require.Len(t, events, 2, "each mutation emits exactly one event")
	for _, ev := range events {
		assert.Equal(t, EventEdgeCreated, ev.Type)
	}
	require.NotNil(t, events[1].Edge.Weight)
	assert.Equal(t, 2.0, *events[1].Edge.Weight)

	edges, err := m.Store().ListEdges(ctx, "platform")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestManager_DeleteEdge(t *testing.T) {
	m, capture := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.CreateNode(ctx, NewNode(EntityRepository, "api", "platform", "API"))
	require.NoError(t, err)
	_, _, err = m.CreateNode(ctx, NewNode(EntityTechnology, "go", "platform", "Go"))
	require.NoError(t, err)
	ref := EdgeRef{From: "repository:api", To: "technology:go", Type: EdgeUses}
	_, err = m.CreateEdge(ctx, &Edge{From: ref.From, To: ref.To, Type: ref.Type, ProjectID: "platform"})
	require.NoError(t, err)
	capture.Reset()

	require.NoError(t, m.DeleteEdge(ctx, "platform", ref))

	events := capture.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventEdgeDeleted, events[0].Type)
	require.NotNil(t, events[0].EdgeRef)
	assert.Equal(t, ref, *events[0].EdgeRef)

	err = m.DeleteEdge(ctx, "platform", ref)
	require.Error(t, err)
	assert.Len(t, capture.Events(), 1, "failed delete emits nothing")
}

func TestManager_Invalidate(t *testing.T) {
	m, capture := newTestManager(t)

	require.NoError(t, m.Invalidate(context.Background(), "platform", "bulk import"))

	events := capture.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventInvalidated, events[0].Type)
	assert.Equal(t, "bulk import", events[0].Reason)

	err := m.Invalidate(context.Background(), "bad id!", "x")
	assert.Error(t, err)
}
