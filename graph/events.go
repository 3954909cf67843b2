package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticeworks/lattice/errors"
)

// EventType identifies the kind of mutation an Event describes.
type EventType string

// Event types, one per mutation kind.
const (
	EventNodeCreated EventType = "node.created"
	EventNodeUpdated EventType = "node.updated"
	EventNodeDeleted EventType = "node.deleted"
	EventEdgeCreated EventType = "edge.created"
	EventEdgeDeleted EventType = "edge.deleted"
	EventInvalidated EventType = "invalidated"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNodeCreated, EventNodeUpdated, EventNodeDeleted,
		EventEdgeCreated, EventEdgeDeleted, EventInvalidated:
		return true
	default:
		return false
	}
}

// EventSubjectPrefix is the root of the event subject hierarchy.
const EventSubjectPrefix = "graph.events"

// AllEventsSubject matches every graph event across all projects.
const AllEventsSubject = EventSubjectPrefix + ".>"

// EventSubject renders the publish subject for one project and event type.
func EventSubject(projectID string, t EventType) string {
	return fmt.Sprintf("%s.%s.%s", EventSubjectPrefix, projectID, t)
}

// ProjectEventsSubject matches every event for one project.
func ProjectEventsSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.>", EventSubjectPrefix, projectID)
}

// NodeChanges is the payload of a node.updated event: the fields that
// changed, nothing else. Metadata keys are merged shallowly by consumers.
type NodeChanges struct {
	NodeID   string         `json:"node_id"`
	Label    *string        `json:"label,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Event is the tagged union carried on graph.events.{project}.{type}.
// Exactly one payload arm is set, matching Type.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`

	// Payload arms. node.created and edge.created carry full objects so
	// consumers never need a read-back; the rest carry identities.
	Node    *Node        `json:"node,omitempty"`
	Changes *NodeChanges `json:"changes,omitempty"`
	NodeID  string       `json:"node_id,omitempty"`
	Edge    *Edge        `json:"edge,omitempty"`
	EdgeRef *EdgeRef     `json:"edge_ref,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// Subject returns the NATS subject this event publishes on.
func (e *Event) Subject() string {
	return EventSubject(e.ProjectID, e.Type)
}

// Validate checks that the event is well formed and carries the payload
// arm its type requires.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown event type %q", e.Type),
			"Event", "Validate", "check event type")
	}
	if !ValidProjectID(e.ProjectID) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid project id %q", e.ProjectID),
			"Event", "Validate", "check project id")
	}

	var want string
	ok := false
	switch e.Type {
	case EventNodeCreated:
		want, ok = "node", e.Node != nil
	case EventNodeUpdated:
		want, ok = "changes", e.Changes != nil && e.Changes.NodeID != ""
	case EventNodeDeleted:
		want, ok = "node_id", e.NodeID != ""
	case EventEdgeCreated:
		want, ok = "edge", e.Edge != nil
	case EventEdgeDeleted:
		want, ok = "edge_ref", e.EdgeRef != nil
	case EventInvalidated:
		want, ok = "reason", e.Reason != ""
	}
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("event %s missing %s payload", e.Type, want),
			"Event", "Validate", "check payload")
	}
	return nil
}

func newEvent(t EventType, projectID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
	}
}

// NewNodeCreated builds a node.created event carrying the full node.
func NewNodeCreated(node *Node) Event {
	ev := newEvent(EventNodeCreated, node.ProjectID)
	ev.Node = node.Clone()
	return ev
}

// NewNodeUpdated builds a node.updated event carrying only the changes.
func NewNodeUpdated(projectID string, changes NodeChanges) Event {
	ev := newEvent(EventNodeUpdated, projectID)
	ev.Changes = &changes
	return ev
}

// NewNodeDeleted builds a node.deleted event.
func NewNodeDeleted(projectID, nodeID string) Event {
	ev := newEvent(EventNodeDeleted, projectID)
	ev.NodeID = nodeID
	return ev
}

// NewEdgeCreated builds an edge.created event carrying the full edge.
func NewEdgeCreated(edge *Edge) Event {
	ev := newEvent(EventEdgeCreated, edge.ProjectID)
	ev.Edge = edge.Clone()
	return ev
}

// NewEdgeDeleted builds an edge.deleted event.
func NewEdgeDeleted(projectID string, ref EdgeRef) Event {
	ev := newEvent(EventEdgeDeleted, projectID)
	ev.EdgeRef = &ref
	return ev
}

// NewInvalidated builds an invalidated event. Consumers mark their local
// graph stale and refetch; no incremental payload is carried.
func NewInvalidated(projectID, reason string) Event {
	ev := newEvent(EventInvalidated, projectID)
	ev.Reason = reason
	return ev
}
