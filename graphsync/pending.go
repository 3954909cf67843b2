package graphsync

import (
	"fmt"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
)

// PendingStatus is the lifecycle of one optimistic operation. There are
// exactly three states; an op never moves out of a terminal one.
type PendingStatus string

const (
	// StatusPending means the optimistic value is live locally and the
	// server has not answered yet.
	StatusPending PendingStatus = "pending"
	// StatusCommitted means the server confirmed; the staged value was
	// replaced by the server's copy.
	StatusCommitted PendingStatus = "committed"
	// StatusRolledBack means the server rejected; the last known good
	// value was restored wholesale.
	StatusRolledBack PendingStatus = "rolled_back"
)

// PendingOp tracks one optimistic local mutation from stage to
// resolution. The rollback snapshot is taken at stage time: the prior
// node value (nil when the op created it) plus any edges an optimistic
// delete removed.
type PendingOp struct {
	TempID string

	state      *State
	nodeID     string
	prior      *graph.Node
	priorEdges []*graph.Edge
	status     PendingStatus
}

// Status returns the op's current lifecycle state.
func (op *PendingOp) Status() PendingStatus {
	op.state.mu.RLock()
	defer op.state.mu.RUnlock()
	return op.status
}

// StageNode optimistically inserts or replaces a node before the server
// confirms the mutation. The returned op carries the rollback snapshot.
func (s *State) StageNode(tempID string, node *graph.Node) (*PendingOp, error) {
	if tempID == "" || node == nil || node.ID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("temp id and node are required"),
			"State", "StageNode", "check operation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[tempID]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("temp id %q already staged", tempID),
			"State", "StageNode", "check operation")
	}

	op := &PendingOp{
		TempID: tempID,
		state:  s,
		nodeID: node.ID,
		prior:  s.nodes[node.ID].Clone(), // nil when the node is new
		status: StatusPending,
	}
	s.nodes[node.ID] = node.Clone()
	s.pending[tempID] = op
	return op, nil
}

// StageNodeDelete optimistically removes a node and its edges. Rollback
// restores both.
func (s *State) StageNodeDelete(tempID, nodeID string) (*PendingOp, error) {
	if tempID == "" || nodeID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("temp id and node id are required"),
			"State", "StageNodeDelete", "check operation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[tempID]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("temp id %q already staged", tempID),
			"State", "StageNodeDelete", "check operation")
	}
	node, exists := s.nodes[nodeID]
	if !exists {
		return nil, errors.WrapNotFound(
			errors.ErrNodeNotFound, "State", "StageNodeDelete", "find node "+nodeID)
	}

	op := &PendingOp{
		TempID: tempID,
		state:  s,
		nodeID: nodeID,
		prior:  node.Clone(),
		status: StatusPending,
	}
	delete(s.nodes, nodeID)
	for key, edge := range s.edges {
		if edge.From == nodeID || edge.To == nodeID {
			op.priorEdges = append(op.priorEdges, edge)
			delete(s.edges, key)
		}
	}
	s.pending[tempID] = op
	return op, nil
}

// Commit resolves the op as confirmed. A non-nil confirmed value replaces
// the staged one (the server may have assigned ids or timestamps); for a
// staged delete, confirmed is ignored and the removal stands.
func (op *PendingOp) Commit(confirmed *graph.Node) error {
	op.state.mu.Lock()
	defer op.state.mu.Unlock()
	if err := op.resolve(StatusCommitted); err != nil {
		return err
	}

	if confirmed != nil {
		if confirmed.ID != op.nodeID {
			delete(op.state.nodes, op.nodeID)
		}
		op.state.nodes[confirmed.ID] = confirmed.Clone()
	}
	return nil
}

// Rollback resolves the op as rejected and restores the last known good
// values wholesale.
func (op *PendingOp) Rollback() error {
	op.state.mu.Lock()
	defer op.state.mu.Unlock()
	if err := op.resolve(StatusRolledBack); err != nil {
		return err
	}

	if op.prior == nil {
		delete(op.state.nodes, op.nodeID)
	} else {
		op.state.nodes[op.prior.ID] = op.prior.Clone()
	}
	for _, edge := range op.priorEdges {
		op.state.edges[edge.Key()] = edge
	}
	return nil
}

// resolve moves the op out of pending. Caller holds the state lock.
func (op *PendingOp) resolve(to PendingStatus) error {
	if op.status != StatusPending {
		return errors.WrapInvalid(
			fmt.Errorf("op %s already %s", op.TempID, op.status),
			"PendingOp", "resolve", "check state")
	}
	op.status = to
	delete(op.state.pending, op.TempID)
	return nil
}

// PendingCount returns the number of unresolved optimistic operations.
func (s *State) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Pending looks up an unresolved op by temp id.
func (s *State) Pending(tempID string) (*PendingOp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.pending[tempID]
	return op, ok
}
