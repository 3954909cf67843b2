package graph

import "context"

// Reader provides read-only access to project graphs. The query engine
// depends on Reader alone, which keeps the execution path free of writes.
//
// Implementations return defensive copies; callers may mutate results.
type Reader interface {
	// GetNode returns one node, or a NotFound-classified error.
	GetNode(ctx context.Context, projectID, nodeID string) (*Node, error)

	// ListNodes returns the project's nodes, optionally restricted to a
	// set of entity types. An empty type set means all types.
	ListNodes(ctx context.Context, projectID string, types []EntityType) ([]*Node, error)

	// ListEdges returns all edges in the project.
	ListEdges(ctx context.Context, projectID string) ([]*Edge, error)

	// Outgoing returns edges whose From endpoint is nodeID.
	Outgoing(ctx context.Context, projectID, nodeID string) ([]*Edge, error)

	// Incoming returns edges whose To endpoint is nodeID.
	Incoming(ctx context.Context, projectID, nodeID string) ([]*Edge, error)

	// Projects lists project ids known to the store.
	Projects(ctx context.Context) ([]string, error)
}

// Mutator applies graph writes. Only the Manager calls Mutator directly;
// everything else reaches mutations through it so each write pairs with
// exactly one emitted event.
type Mutator interface {
	// PutNode creates or replaces a node, returning the stored copy with
	// server timestamps applied and true when the node did not exist
	// before.
	PutNode(ctx context.Context, node *Node) (*Node, bool, error)

	// UpdateNode applies a label change and a shallow metadata merge,
	// returning the updated node. NotFound when the node is missing.
	UpdateNode(ctx context.Context, projectID, nodeID string, label *string, metadata map[string]any) (*Node, error)

	// DeleteNode removes a node and cascades every edge touching it in
	// either direction, returning the removed edges.
	DeleteNode(ctx context.Context, projectID, nodeID string) ([]*Edge, error)

	// PutEdge creates an edge, or replaces the weight of an existing edge
	// with the same (From, To, Type) identity. Returns the stored copy and
	// true when the identity was new.
	PutEdge(ctx context.Context, edge *Edge) (*Edge, bool, error)

	// DeleteEdge removes one edge by identity. NotFound when absent.
	DeleteEdge(ctx context.Context, projectID string, ref EdgeRef) error
}

// Store combines read and write access to project graphs.
type Store interface {
	Reader
	Mutator
}
