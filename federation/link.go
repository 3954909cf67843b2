// Package federation maintains typed links between entities in different
// project graphs and materializes them as first-class edges renderers can
// distinguish from in-project relationships.
package federation

import (
	"fmt"
	"strings"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
)

// Link is a cross-project relationship. Identity is the full tuple minus
// the weight; re-registering an existing identity replaces the weight
// instead of growing a duplicate.
type Link struct {
	SourceProject string           `json:"source_project_id"`
	FromEntity    graph.EntityType `json:"from_entity"`
	FromID        string           `json:"from_id"`
	TargetProject string           `json:"target_project_id"`
	ToEntity      graph.EntityType `json:"to_entity"`
	ToID          string           `json:"to_id"`
	LinkType      string           `json:"link_type"`
	Weight        *float64         `json:"weight,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Identity renders the upsert key. Field order matches the declaration
// order so keys group by source project in prefix scans.
func (l *Link) Identity() string {
	return strings.Join([]string{
		l.SourceProject,
		string(l.FromEntity), l.FromID,
		l.TargetProject,
		string(l.ToEntity), l.ToID,
		l.LinkType,
	}, "|")
}

// Validate checks structural invariants before the link is stored.
func (l *Link) Validate() error {
	var reason string
	switch {
	case !graph.ValidProjectID(l.SourceProject):
		reason = fmt.Sprintf("invalid source project id %q", l.SourceProject)
	case !graph.ValidProjectID(l.TargetProject):
		reason = fmt.Sprintf("invalid target project id %q", l.TargetProject)
	case l.SourceProject == l.TargetProject:
		reason = "source and target projects are the same; use a regular edge"
	case !l.FromEntity.Valid():
		reason = fmt.Sprintf("unknown from entity type %q", l.FromEntity)
	case !l.ToEntity.Valid():
		reason = fmt.Sprintf("unknown to entity type %q", l.ToEntity)
	case !graph.ValidEntityID(l.FromID):
		reason = fmt.Sprintf("invalid from id %q", l.FromID)
	case !graph.ValidEntityID(l.ToID):
		reason = fmt.Sprintf("invalid to id %q", l.ToID)
	case !graph.FederationEdgeType(l.LinkType).IsFederation():
		reason = fmt.Sprintf("invalid link type %q", l.LinkType)
	case l.Weight != nil && (*l.Weight < 0 || *l.Weight > 1):
		reason = fmt.Sprintf("weight %v outside [0, 1]", *l.Weight)
	}
	if reason == "" {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%s", reason), "Link", "Validate", "check link")
}

// FromNodeID returns the canonical id of the source endpoint.
func (l *Link) FromNodeID() string {
	return graph.NodeID(l.FromEntity, l.FromID)
}

// ToNodeID returns the canonical id of the target endpoint.
func (l *Link) ToNodeID() string {
	return graph.NodeID(l.ToEntity, l.ToID)
}

// Edge materializes the link as a graph edge. The edge is scoped to the
// source project and typed "federation:{link_type}".
func (l *Link) Edge() *graph.Edge {
	edge := &graph.Edge{
		From:      l.FromNodeID(),
		To:        l.ToNodeID(),
		Type:      graph.FederationEdgeType(l.LinkType),
		ProjectID: l.SourceProject,
		CreatedAt: l.CreatedAt,
	}
	if l.Weight != nil {
		w := *l.Weight
		edge.Weight = &w
	}
	return edge
}

// Clone returns a deep copy.
func (l *Link) Clone() *Link {
	out := *l
	if l.Weight != nil {
		w := *l.Weight
		out.Weight = &w
	}
	return &out
}

// Error is a classified federation failure. It wraps one of the errors
// package sentinels so callers can branch on class.
type Error struct {
	Op     string // "register" or "query"
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("federation %s: %s", e.Op, e.Reason)
}

// Unwrap exposes the sentinel for errors.Is checks.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, reason string, sentinel error) *Error {
	return &Error{Op: op, Reason: reason, Err: sentinel}
}
