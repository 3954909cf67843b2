package graphsync

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
)

func TestStageNode_CommitReplacesWithServerCopy(t *testing.T) {
	s := NewState()

	staged := testNode("draft", "Draft repo")
	op, err := s.StageNode("tmp-1", staged)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status())
	assert.Equal(t, 1, s.PendingCount())

	// The optimistic value is live immediately.
	_, ok := s.Node("repository:draft")
	assert.True(t, ok)

	confirmed := testNode("draft", "Draft repo")
	confirmed.Metadata = map[string]any{"created_by": "server"}
	require.NoError(t, op.Commit(confirmed))

	assert.Equal(t, StatusCommitted, op.Status())
	assert.Equal(t, 0, s.PendingCount())
	stored, ok := s.Node("repository:draft")
	require.True(t, ok)
	assert.Equal(t, "server", stored.Metadata["created_by"])
}

func TestStageNode_CommitWithServerAssignedID(t *testing.T) {
	s := NewState()

	op, err := s.StageNode("tmp-1", testNode("tmp-1", "New task"))
	require.NoError(t, err)

	// Server minted a real entity id; the temp node must not linger.
	require.NoError(t, op.Commit(testNode("1042", "New task")))

	_, ok := s.Node("repository:tmp-1")
	assert.False(t, ok)
	_, ok = s.Node("repository:1042")
	assert.True(t, ok)
	assert.Equal(t, 1, s.NodeCount())
}

func TestStageNode_RollbackRemovesCreatedNode(t *testing.T) {
	s := NewState()

	op, err := s.StageNode("tmp-1", testNode("draft", "Draft"))
	require.NoError(t, err)
	require.NoError(t, op.Rollback())

	assert.Equal(t, StatusRolledBack, op.Status())
	assert.Equal(t, 0, s.NodeCount())
	assert.Equal(t, 0, s.PendingCount())
}

func TestStageNode_RollbackRestoresPriorValue(t *testing.T) {
	s := NewState()
	original := testNode("api", "API")
	original.Metadata = map[string]any{"stars": float64(12)}
	s.Reset([]*graph.Node{original}, nil)

	optimistic := testNode("api", "API renamed")
	op, err := s.StageNode("tmp-1", optimistic)
	require.NoError(t, err)

	live, _ := s.Node("repository:api")
	assert.Equal(t, "API renamed", live.Label)

	require.NoError(t, op.Rollback())
	restored, ok := s.Node("repository:api")
	require.True(t, ok)
	assert.Equal(t, "API", restored.Label)
	assert.Equal(t, float64(12), restored.Metadata["stars"])
}

func TestStageNodeDelete_RollbackRestoresNodeAndEdges(t *testing.T) {
	s := NewState()
	s.Reset(
		[]*graph.Node{testNode("a", "A"), testNode("b", "B")},
		[]*graph.Edge{
			testEdge("repository:a", "repository:b"),
			testEdge("repository:b", "repository:a"),
		})

	op, err := s.StageNodeDelete("tmp-1", "repository:a")
	require.NoError(t, err)
	assert.Equal(t, 1, s.NodeCount())
	assert.Equal(t, 0, s.EdgeCount())

	require.NoError(t, op.Rollback())
	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, 2, s.EdgeCount())
}

func TestStageNodeDelete_CommitKeepsRemoval(t *testing.T) {
	s := NewState()
	s.Reset([]*graph.Node{testNode("a", "A")}, nil)

	op, err := s.StageNodeDelete("tmp-1", "repository:a")
	require.NoError(t, err)
	require.NoError(t, op.Commit(nil))

	assert.Equal(t, StatusCommitted, op.Status())
	assert.Equal(t, 0, s.NodeCount())
}

func TestStageNodeDelete_UnknownNode(t *testing.T) {
	s := NewState()

	_, err := s.StageNodeDelete("tmp-1", "repository:ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, stderrors.Is(err, errors.ErrNodeNotFound))
}

func TestPendingOp_ResolveIsTerminal(t *testing.T) {
	s := NewState()
	op, err := s.StageNode("tmp-1", testNode("draft", "Draft"))
	require.NoError(t, err)
	require.NoError(t, op.Rollback())

	err = op.Commit(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, StatusRolledBack, op.Status())
}

func TestStage_DuplicateTempIDRejected(t *testing.T) {
	s := NewState()
	_, err := s.StageNode("tmp-1", testNode("a", "A"))
	require.NoError(t, err)

	_, err = s.StageNode("tmp-1", testNode("b", "B"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	op, ok := s.Pending("tmp-1")
	require.True(t, ok)
	assert.Equal(t, "repository:a", op.nodeID)
}
