// Package graph defines the node and edge model shared by the query engine,
// the federation resolver, and the streaming transports, together with the
// store implementations that persist it.
package graph

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/latticeworks/lattice/errors"
)

// EntityType classifies a node.
type EntityType string

// Entity types understood by the engine. Mutations carrying anything else
// are rejected.
const (
	EntityProject    EntityType = "project"
	EntityRepository EntityType = "repository"
	EntityTechnology EntityType = "technology"
	EntityTask       EntityType = "task"
	EntityService    EntityType = "service"
	EntityFile       EntityType = "file"
	EntitySymbol     EntityType = "symbol"
	EntityDocument   EntityType = "document"
)

// EntityTypes returns all valid entity types in declaration order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityProject,
		EntityRepository,
		EntityTechnology,
		EntityTask,
		EntityService,
		EntityFile,
		EntitySymbol,
		EntityDocument,
	}
}

// Valid reports whether et is a known entity type.
func (et EntityType) Valid() bool {
	switch et {
	case EntityProject, EntityRepository, EntityTechnology, EntityTask,
		EntityService, EntityFile, EntitySymbol, EntityDocument:
		return true
	default:
		return false
	}
}

// ParseEntityType converts s to an EntityType, accepting a few common
// plural and shorthand forms.
func ParseEntityType(s string) (EntityType, bool) {
	et := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if et.Valid() {
		return et, true
	}
	switch et {
	case "projects":
		return EntityProject, true
	case "repositories", "repos", "repo":
		return EntityRepository, true
	case "technologies", "tech", "techs":
		return EntityTechnology, true
	case "tasks", "research_task", "research_tasks":
		return EntityTask, true
	case "services":
		return EntityService, true
	case "files":
		return EntityFile, true
	case "symbols":
		return EntitySymbol, true
	case "documents", "docs", "doc":
		return EntityDocument, true
	}
	return "", false
}

// Entity ids must stay safe for KV keys and event subjects. Project ids are
// stricter because they become a single NATS subject token.
var (
	entityIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]*$`)
	projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// ValidProjectID reports whether id can be used as a project identifier.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// ValidEntityID reports whether id can be used as an entity identifier.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// NodeID renders the canonical node identifier "{entity_type}:{entity_id}".
func NodeID(et EntityType, entityID string) string {
	return string(et) + ":" + entityID
}

// SplitNodeID splits a canonical node id into its entity type and entity id.
func SplitNodeID(id string) (EntityType, string, bool) {
	typ, rest, found := strings.Cut(id, ":")
	if !found || rest == "" {
		return "", "", false
	}
	et := EntityType(typ)
	if !et.Valid() {
		return "", "", false
	}
	return et, rest, true
}

// Node is a vertex in a project graph. ID is always the canonical
// "{entity_type}:{entity_id}" form.
type Node struct {
	ID         string         `json:"id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ProjectID  string         `json:"project_id"`
	Label      string         `json:"label"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewNode builds a node with the canonical id filled in.
func NewNode(et EntityType, entityID, projectID, label string) *Node {
	return &Node{
		ID:         NodeID(et, entityID),
		EntityType: et,
		EntityID:   entityID,
		ProjectID:  projectID,
		Label:      label,
	}
}

// Validate checks structural invariants before the node is stored.
func (n *Node) Validate() error {
	if n == nil {
		return errors.WrapInvalid(
			fmt.Errorf("node is nil"),
			"Node", "Validate", "check node")
	}
	if !n.EntityType.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown entity type %q", n.EntityType),
			"Node", "Validate", "check entity type")
	}
	if !ValidEntityID(n.EntityID) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid entity id %q", n.EntityID),
			"Node", "Validate", "check entity id")
	}
	if !ValidProjectID(n.ProjectID) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid project id %q", n.ProjectID),
			"Node", "Validate", "check project id")
	}
	if want := NodeID(n.EntityType, n.EntityID); n.ID != want {
		return errors.WrapInvalid(
			fmt.Errorf("node id %q does not match canonical %q", n.ID, want),
			"Node", "Validate", "check node id")
	}
	return nil
}

// Clone returns a deep copy. Metadata values are copied one level deep,
// which matches the shallow-merge update contract.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Metadata != nil {
		out.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// EdgeType classifies a relationship between two nodes.
type EdgeType string

// Core edge types. Federation edges use the open "federation:{link_type}"
// family and are produced only by the federation resolver.
const (
	EdgeContains   EdgeType = "contains"
	EdgeUses       EdgeType = "uses"
	EdgeImplements EdgeType = "implements"
	EdgeCalls      EdgeType = "calls"
	EdgeReferences EdgeType = "references"
)

// FederationEdgePrefix marks cross-project edges minted by the resolver.
const FederationEdgePrefix = "federation:"

// EdgeTypes returns the core (non-federation) edge types.
func EdgeTypes() []EdgeType {
	return []EdgeType{EdgeContains, EdgeUses, EdgeImplements, EdgeCalls, EdgeReferences}
}

// Valid reports whether et is a core edge type or a well-formed
// federation edge type.
func (et EdgeType) Valid() bool {
	switch et {
	case EdgeContains, EdgeUses, EdgeImplements, EdgeCalls, EdgeReferences:
		return true
	}
	return et.IsFederation()
}

// IsFederation reports whether et belongs to the federation family.
func (et EdgeType) IsFederation() bool {
	link, ok := strings.CutPrefix(string(et), FederationEdgePrefix)
	return ok && link != "" && entityIDPattern.MatchString(link)
}

// FederationEdgeType builds the edge type for a federation link.
func FederationEdgeType(linkType string) EdgeType {
	return EdgeType(FederationEdgePrefix + linkType)
}

// Edge is a directed relationship. Identity is the (From, To, Type) triple;
// writing an edge with the same identity replaces its weight.
type Edge struct {
	From      string    `json:"from_node"`
	To        string    `json:"to_node"`
	Type      EdgeType  `json:"type"`
	Weight    *float64  `json:"weight,omitempty"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EdgeKey renders the canonical identity of an edge.
func EdgeKey(from string, to string, typ EdgeType) string {
	return from + "|" + string(typ) + "|" + to
}

// Key returns the canonical identity of this edge.
func (e *Edge) Key() string {
	return EdgeKey(e.From, e.To, e.Type)
}

// Ref returns the identity triple of this edge.
func (e *Edge) Ref() EdgeRef {
	return EdgeRef{From: e.From, To: e.To, Type: e.Type}
}

// Validate checks structural invariants before the edge is stored. It does
// not check endpoint existence; the store does that.
func (e *Edge) Validate() error {
	if e == nil {
		return errors.WrapInvalid(
			fmt.Errorf("edge is nil"),
			"Edge", "Validate", "check edge")
	}
	if _, _, ok := SplitNodeID(e.From); !ok {
		return errors.WrapInvalid(
			fmt.Errorf("invalid source node id %q", e.From),
			"Edge", "Validate", "check source")
	}
	if _, _, ok := SplitNodeID(e.To); !ok {
		return errors.WrapInvalid(
			fmt.Errorf("invalid target node id %q", e.To),
			"Edge", "Validate", "check target")
	}
	if !e.Type.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown edge type %q", e.Type),
			"Edge", "Validate", "check edge type")
	}
	if !ValidProjectID(e.ProjectID) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid project id %q", e.ProjectID),
			"Edge", "Validate", "check project id")
	}
	if e.Weight != nil && *e.Weight < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("weight %v is negative", *e.Weight),
			"Edge", "Validate", "check weight")
	}
	return nil
}

// Clone returns a copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := *e
	if e.Weight != nil {
		w := *e.Weight
		out.Weight = &w
	}
	return &out
}

// EdgeRef is the identity triple of an edge without its payload.
type EdgeRef struct {
	From string   `json:"from_node"`
	To   string   `json:"to_node"`
	Type EdgeType `json:"type"`
}

// Key renders the canonical identity of the referenced edge.
func (r EdgeRef) Key() string {
	return EdgeKey(r.From, r.To, r.Type)
}
