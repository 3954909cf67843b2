package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/latticeworks/lattice/errors"
)

// MemoryStore keeps project graphs in process memory with per-node
// adjacency indexes. It is the default store for standalone deployments
// and the only store tests need.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*projectGraph

	// now is swappable so tests can pin timestamps.
	now func() time.Time
}

type projectGraph struct {
	nodes map[string]*Node
	edges map[string]*Edge            // keyed by Edge.Key()
	out   map[string]map[string]*Edge // node id -> edge key -> edge
	in    map[string]map[string]*Edge
}

func newProjectGraph() *projectGraph {
	return &projectGraph{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
		out:   make(map[string]map[string]*Edge),
		in:    make(map[string]map[string]*Edge),
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*projectGraph),
		now:      time.Now,
	}
}

func notFound(component, op, kind, id string, sentinel error) error {
	return errors.WrapNotFound(
		fmt.Errorf("%s %q: %w", kind, id, sentinel),
		component, op, "look up "+kind)
}

// GetNode returns a copy of one node. Unknown projects and unknown nodes
// both report the node as missing.
func (s *MemoryStore) GetNode(_ context.Context, projectID, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pg := s.projects[projectID]
	if pg == nil {
		return nil, notFound("MemoryStore", "GetNode", "node", nodeID, errors.ErrNodeNotFound)
	}
	node, ok := pg.nodes[nodeID]
	if !ok {
		return nil, notFound("MemoryStore", "GetNode", "node", nodeID, errors.ErrNodeNotFound)
	}
	return node.Clone(), nil
}

// ListNodes returns copies of the project's nodes sorted by id. An unknown
// project yields an empty slice, matching the KV store.
func (s *MemoryStore) ListNodes(_ context.Context, projectID string, types []EntityType) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pg := s.projects[projectID]
	if pg == nil {
		return nil, nil
	}

	var wanted map[EntityType]bool
	if len(types) > 0 {
		wanted = make(map[EntityType]bool, len(types))
		for _, t := range types {
			wanted[t] = true
		}
	}

	nodes := make([]*Node, 0, len(pg.nodes))
	for _, node := range pg.nodes {
		if wanted != nil && !wanted[node.EntityType] {
			continue
		}
		nodes = append(nodes, node.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ListEdges returns copies of the project's edges sorted by identity.
func (s *MemoryStore) ListEdges(_ context.Context, projectID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pg := s.projects[projectID]
	if pg == nil {
		return nil, nil
	}
	edges := make([]*Edge, 0, len(pg.edges))
	for _, edge := range pg.edges {
		edges = append(edges, edge.Clone())
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return edges, nil
}

// Outgoing returns copies of edges leaving nodeID.
func (s *MemoryStore) Outgoing(_ context.Context, projectID, nodeID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adjacent(projectID, nodeID, true)
}

// Incoming returns copies of edges arriving at nodeID.
func (s *MemoryStore) Incoming(_ context.Context, projectID, nodeID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adjacent(projectID, nodeID, false)
}

func (s *MemoryStore) adjacent(projectID, nodeID string, outgoing bool) ([]*Edge, error) {
	pg := s.projects[projectID]
	if pg == nil {
		return nil, nil
	}
	index := pg.in
	if outgoing {
		index = pg.out
	}
	edges := make([]*Edge, 0, len(index[nodeID]))
	for _, edge := range index[nodeID] {
		edges = append(edges, edge.Clone())
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return edges, nil
}

// Projects lists project ids in sorted order.
func (s *MemoryStore) Projects(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PutNode creates or replaces a node, stamping CreatedAt on first write
// and UpdatedAt on every write.
func (s *MemoryStore) PutNode(_ context.Context, node *Node) (*Node, bool, error) {
	if err := node.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pg, ok := s.projects[node.ProjectID]
	if !ok {
		pg = newProjectGraph()
		s.projects[node.ProjectID] = pg
	}

	stored := node.Clone()
	now := s.now().UTC()
	existing, exists := pg.nodes[node.ID]
	if exists {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	pg.nodes[node.ID] = stored
	return stored.Clone(), !exists, nil
}

// UpdateNode applies a label change and shallow metadata merge.
func (s *MemoryStore) UpdateNode(
	_ context.Context,
	projectID, nodeID string,
	label *string,
	metadata map[string]any,
) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pg := s.projects[projectID]
	if pg == nil {
		return nil, notFound("MemoryStore", "UpdateNode", "node", nodeID, errors.ErrNodeNotFound)
	}
	node, ok := pg.nodes[nodeID]
	if !ok {
		return nil, notFound("MemoryStore", "UpdateNode", "node", nodeID, errors.ErrNodeNotFound)
	}

	if label != nil {
		node.Label = *label
	}
	if len(metadata) > 0 {
		if node.Metadata == nil {
			node.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			node.Metadata[k] = v
		}
	}
	node.UpdatedAt = s.now().UTC()
	return node.Clone(), nil
}

// DeleteNode removes the node and every edge touching it.
func (s *MemoryStore) DeleteNode(_ context.Context, projectID, nodeID string) ([]*Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pg := s.projects[projectID]
	if pg == nil {
		return nil, notFound("MemoryStore", "DeleteNode", "node", nodeID, errors.ErrNodeNotFound)
	}
	if _, ok := pg.nodes[nodeID]; !ok {
		return nil, notFound("MemoryStore", "DeleteNode", "node", nodeID, errors.ErrNodeNotFound)
	}
	delete(pg.nodes, nodeID)

	var removed []*Edge
	for _, edge := range pg.out[nodeID] {
		removed = append(removed, edge.Clone())
		pg.removeEdge(edge)
	}
	for _, edge := range pg.in[nodeID] {
		removed = append(removed, edge.Clone())
		pg.removeEdge(edge)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key() < removed[j].Key() })
	return removed, nil
}

// PutEdge creates an edge or replaces the weight of an existing identity.
// Both endpoints must exist in the project.
func (s *MemoryStore) PutEdge(_ context.Context, edge *Edge) (*Edge, bool, error) {
	if err := edge.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pg := s.projects[edge.ProjectID]
	if pg == nil {
		return nil, false, notFound("MemoryStore", "PutEdge", "node", edge.From, errors.ErrNodeNotFound)
	}
	if _, ok := pg.nodes[edge.From]; !ok {
		return nil, false, notFound("MemoryStore", "PutEdge", "node", edge.From, errors.ErrNodeNotFound)
	}
	if _, ok := pg.nodes[edge.To]; !ok {
		return nil, false, notFound("MemoryStore", "PutEdge", "node", edge.To, errors.ErrNodeNotFound)
	}

	key := edge.Key()
	existing, exists := pg.edges[key]
	if exists {
		existing.Weight = nil
		if edge.Weight != nil {
			w := *edge.Weight
			existing.Weight = &w
		}
		return existing.Clone(), false, nil
	}

	stored := edge.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	pg.edges[key] = stored
	if pg.out[stored.From] == nil {
		pg.out[stored.From] = make(map[string]*Edge)
	}
	if pg.in[stored.To] == nil {
		pg.in[stored.To] = make(map[string]*Edge)
	}
	pg.out[stored.From][key] = stored
	pg.in[stored.To][key] = stored
	return stored.Clone(), true, nil
}

// DeleteEdge removes one edge by identity.
func (s *MemoryStore) DeleteEdge(_ context.Context, projectID string, ref EdgeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pg := s.projects[projectID]
	if pg == nil {
		return notFound("MemoryStore", "DeleteEdge", "edge", ref.Key(), errors.ErrEdgeNotFound)
	}
	edge, ok := pg.edges[ref.Key()]
	if !ok {
		return notFound("MemoryStore", "DeleteEdge", "edge", ref.Key(), errors.ErrEdgeNotFound)
	}
	pg.removeEdge(edge)
	return nil
}

func (pg *projectGraph) removeEdge(edge *Edge) {
	key := edge.Key()
	delete(pg.edges, key)
	if m := pg.out[edge.From]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(pg.out, edge.From)
		}
	}
	if m := pg.in[edge.To]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(pg.in, edge.To)
		}
	}
}
