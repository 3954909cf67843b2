// Package graphsync mirrors a server-side graph view on the client:
// an initial snapshot fetched once, then kept current by applying the
// live event stream through a deterministic reducer.
//
// The reducer is idempotent per event identity, so at-least-once delivery
// converges: replaying a delivered-twice event leaves the state
// bit-identical and the update counter untouched. A missed event window
// is only ever repaired by an invalidated event followed by Refresh,
// never by silent backfill.
package graphsync

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/latticeworks/lattice/graph"
)

// State is the client-side mirror of one graph view. All access is
// mutex-guarded; reads hand out deep copies so callers never share
// mutable data with the reducer.
type State struct {
	mu          sync.RWMutex
	nodes       map[string]*graph.Node
	edges       map[string]*graph.Edge // keyed by graph.EdgeKey
	updateCount uint64
	stale       bool
	lastEventAt time.Time

	pending map[string]*PendingOp // unresolved ops by temp id

	now func() time.Time
}

// NewState creates an empty mirror.
func NewState() *State {
	return &State{
		nodes:   make(map[string]*graph.Node),
		edges:   make(map[string]*graph.Edge),
		pending: make(map[string]*PendingOp),
		now:     time.Now,
	}
}

// Snapshot is a deep, self-contained copy of the mirror at one instant.
type Snapshot struct {
	Nodes       []*graph.Node `json:"nodes"`
	Edges       []*graph.Edge `json:"edges"`
	UpdateCount uint64        `json:"update_count"`
	Stale       bool          `json:"stale"`
	LastEventAt time.Time     `json:"last_event_at"`
}

// Reset replaces the mirror wholesale with a fresh snapshot, clears the
// stale flag and resets the update counter. Inputs are cloned.
func (s *State) Reset(nodes []*graph.Node, edges []*graph.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*graph.Node, len(nodes))
	for _, node := range nodes {
		if node == nil || node.ID == "" {
			continue
		}
		s.nodes[node.ID] = node.Clone()
	}
	s.edges = make(map[string]*graph.Edge, len(edges))
	for _, edge := range edges {
		if edge == nil {
			continue
		}
		s.edges[edge.Key()] = edge.Clone()
	}
	s.updateCount = 0
	s.stale = false
}

// Apply runs one event through the reducer and reports whether it changed
// the graph data. The update counter moves only on change; the receipt
// timestamp moves on every call.
func (s *State) Apply(event graph.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEventAt = s.now().UTC()

	var changed bool
	switch event.Type {
	case graph.EventNodeCreated:
		changed = s.applyNodeCreated(event.Node)
	case graph.EventNodeUpdated:
		changed = s.applyNodeUpdated(event.Changes)
	case graph.EventNodeDeleted:
		changed = s.applyNodeDeleted(event.NodeID)
	case graph.EventEdgeCreated:
		changed = s.applyEdgeCreated(event.Edge)
	case graph.EventEdgeDeleted:
		changed = s.applyEdgeDeleted(event.EdgeRef)
	case graph.EventInvalidated:
		// Marks the view stale; data is kept until Refresh replaces it.
		s.stale = true
		return false
	default:
		return false
	}

	if changed {
		s.updateCount++
	}
	return changed
}

func (s *State) applyNodeCreated(node *graph.Node) bool {
	if node == nil || node.ID == "" {
		return false
	}
	if _, exists := s.nodes[node.ID]; exists {
		return false
	}
	s.nodes[node.ID] = node.Clone()
	return true
}

// applyNodeUpdated shallow-merges the partial changes into a known node:
// label replaced, metadata keys overwritten one level deep, absent keys
// preserved. Updates to unknown nodes are dropped, never fabricated.
func (s *State) applyNodeUpdated(changes *graph.NodeChanges) bool {
	if changes == nil || changes.NodeID == "" {
		return false
	}
	node, exists := s.nodes[changes.NodeID]
	if !exists {
		return false
	}

	changed := false
	if changes.Label != nil && node.Label != *changes.Label {
		node.Label = *changes.Label
		changed = true
	}
	for key, value := range changes.Metadata {
		if node.Metadata == nil {
			node.Metadata = make(map[string]any, len(changes.Metadata))
		}
		if prev, ok := node.Metadata[key]; ok && reflect.DeepEqual(prev, value) {
			continue
		}
		node.Metadata[key] = value
		changed = true
	}
	return changed
}

// applyNodeDeleted removes the node and every edge touching it. Edges are
// swept even when the node is already gone, keeping client-side
// referential integrity without trusting server ordering.
func (s *State) applyNodeDeleted(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	_, existed := s.nodes[nodeID]
	delete(s.nodes, nodeID)

	changed := existed
	for key, edge := range s.edges {
		if edge.From == nodeID || edge.To == nodeID {
			delete(s.edges, key)
			changed = true
		}
	}
	return changed
}

func (s *State) applyEdgeCreated(edge *graph.Edge) bool {
	if edge == nil || edge.From == "" || edge.To == "" {
		return false
	}
	key := edge.Key()
	if _, exists := s.edges[key]; exists {
		return false
	}
	s.edges[key] = edge.Clone()
	return true
}

func (s *State) applyEdgeDeleted(ref *graph.EdgeRef) bool {
	if ref == nil {
		return false
	}
	key := ref.Key()
	if _, exists := s.edges[key]; !exists {
		return false
	}
	delete(s.edges, key)
	return true
}

// Node returns a copy of one node.
func (s *State) Node(id string) (*graph.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	return node.Clone(), ok
}

// Edge returns a copy of one edge by its identity triple.
func (s *State) Edge(from, to string, typ graph.EdgeType) (*graph.Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[graph.EdgeKey(from, to, typ)]
	return edge.Clone(), ok
}

// NodeCount returns the number of mirrored nodes.
func (s *State) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of mirrored edges.
func (s *State) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// UpdateCount returns how many state-changing events have been applied
// since the last Reset.
func (s *State) UpdateCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateCount
}

// Stale reports whether an invalidated event arrived since the last Reset.
func (s *State) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// LastEventAt returns when the most recent event was received.
func (s *State) LastEventAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEventAt
}

// markStale flags the mirror without consuming an event, used when the
// live stream is permanently lost.
func (s *State) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the mirror, nodes sorted by id and
// edges by identity key.
func (s *State) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Nodes:       make([]*graph.Node, 0, len(s.nodes)),
		Edges:       make([]*graph.Edge, 0, len(s.edges)),
		UpdateCount: s.updateCount,
		Stale:       s.stale,
		LastEventAt: s.lastEventAt,
	}
	for _, node := range s.nodes {
		snap.Nodes = append(snap.Nodes, node.Clone())
	}
	for _, edge := range s.edges {
		snap.Edges = append(snap.Edges, edge.Clone())
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].Key() < snap.Edges[j].Key() })
	return snap
}

func (s *State) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("graphsync.State{nodes: %d, edges: %d, updates: %d, stale: %t}",
		len(s.nodes), len(s.edges), s.updateCount, s.stale)
}
