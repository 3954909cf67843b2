package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/latticeworks/lattice/errors"
)

// Manager is the single mutation entry point. Every write goes through it
// so each state change pairs with exactly one emitted event. Reads bypass
// the manager and use the store directly.
type Manager struct {
	store   Store
	emitter Emitter
	logger  *slog.Logger
}

// NewManager wires a store to an emitter.
func NewManager(store Store, emitter Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Manager{
		store:   store,
		emitter: emitter,
		logger:  logger.With("component", "graph_manager"),
	}
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() Store {
	return m.store
}

// CreateNode inserts a node. Creating an id that already exists is an
// idempotent no-op: the existing node is returned unchanged and no event
// is emitted. Returns the node and whether this call created it.
func (m *Manager) CreateNode(ctx context.Context, node *Node) (*Node, bool, error) {
	if err := node.Validate(); err != nil {
		return nil, false, err
	}

	if existing, err := m.store.GetNode(ctx, node.ProjectID, node.ID); err == nil {
		m.logger.Debug("create node: already exists",
			"project_id", node.ProjectID, "node_id", node.ID)
		return existing, false, nil
	} else if !errors.IsNotFound(err) {
		return nil, false, err
	}

	stored, created, err := m.store.PutNode(ctx, node)
	if err != nil {
		return nil, false, err
	}
	if created {
		m.emitter.Emit(ctx, NewNodeCreated(stored))
	}
	return stored, created, nil
}

// UpdateNode applies a label change and a shallow metadata merge, then
// emits node.updated carrying only the changed fields.
func (m *Manager) UpdateNode(
	ctx context.Context,
	projectID, nodeID string,
	label *string,
	metadata map[string]any,
) (*Node, error) {
	if label == nil && len(metadata) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("update carries no changes"),
			"Manager", "UpdateNode", "check changes")
	}

	updated, err := m.store.UpdateNode(ctx, projectID, nodeID, label, metadata)
	if err != nil {
		return nil, err
	}

	m.emitter.Emit(ctx, NewNodeUpdated(projectID, NodeChanges{
		NodeID:   nodeID,
		Label:    label,
		Metadata: metadata,
	}))
	return updated, nil
}

// DeleteNode removes a node. Edges touching the node cascade in the store;
// consumers cascade locally off the single node.deleted event.
func (m *Manager) DeleteNode(ctx context.Context, projectID, nodeID string) error {
	removed, err := m.store.DeleteNode(ctx, projectID, nodeID)
	if err != nil {
		return err
	}

	if len(removed) > 0 {
		m.logger.Debug("delete node: cascaded edges",
			"project_id", projectID, "node_id", nodeID, "edges", len(removed))
	}
	m.emitter.Emit(ctx, NewNodeDeleted(projectID, nodeID))
	return nil
}

// CreateEdge upserts an edge by identity. Both a fresh edge and a weight
// replacement emit edge.created; consumers apply it as an upsert, so the
// event stream stays idempotent while weight changes still propagate.
func (m *Manager) CreateEdge(ctx context.Context, edge *Edge) (*Edge, error) {
	stored, created, err := m.store.PutEdge(ctx, edge)
	if err != nil {
		return nil, err
	}

	if !created {
		m.logger.Debug("create edge: weight replaced",
			"project_id", stored.ProjectID, "edge", stored.Key())
	}
	m.emitter.Emit(ctx, NewEdgeCreated(stored))
	return stored, nil
}

// DeleteEdge removes one edge by identity and emits edge.deleted.
func (m *Manager) DeleteEdge(ctx context.Context, projectID string, ref EdgeRef) error {
	if err := m.store.DeleteEdge(ctx, projectID, ref); err != nil {
		return err
	}
	m.emitter.Emit(ctx, NewEdgeDeleted(projectID, ref))
	return nil
}

// Invalidate tells consumers the project graph changed in a way the event
// stream cannot express incrementally. No store state changes.
func (m *Manager) Invalidate(ctx context.Context, projectID, reason string) error {
	if !ValidProjectID(projectID) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid project id %q", projectID),
			"Manager", "Invalidate", "check project id")
	}
	if reason == "" {
		reason = "graph invalidated"
	}
	m.emitter.Emit(ctx, NewInvalidated(projectID, reason))
	return nil
}
