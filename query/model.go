// Package query defines the composable query model, the parsers that
// normalize text, JSON, and GraphQL input into it, and the engine that
// executes it against a graph store.
package query

import (
	"time"

	"github.com/latticeworks/lattice/graph"
)

// MaxDepth is the hard traversal depth cap. Queries asking for more are
// rejected outright; this is the primary resource-exhaustion defense.
const MaxDepth = 5

// Op is a filter comparison operator.
type Op string

// Filter operators.
const (
	OpEQ       Op = "eq"
	OpNE       Op = "ne"
	OpLT       Op = "lt"
	OpGT       Op = "gt"
	OpLTE      Op = "lte"
	OpGTE      Op = "gte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEQ, OpNE, OpLT, OpGT, OpLTE, OpGTE, OpIn, OpContains:
		return true
	default:
		return false
	}
}

// Direction selects which edges a traversal follows.
type Direction string

// Traversal directions.
const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionBoth     Direction = "both"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionOutbound, DirectionInbound, DirectionBoth:
		return true
	default:
		return false
	}
}

// AggOp is an aggregation operator.
type AggOp string

// Aggregation operators.
const (
	AggCount AggOp = "count"
	AggSum   AggOp = "sum"
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
)

// Valid reports whether op is a known aggregation.
func (op AggOp) Valid() bool {
	switch op {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return true
	default:
		return false
	}
}

// EntitySelector names one set of candidate nodes: all nodes of a type,
// optionally narrowed to a project scope, a single entity id, or
// constraint equality matches.
type EntitySelector struct {
	Type        graph.EntityType `json:"type"`
	Scope       string           `json:"scope,omitempty"`
	ID          string           `json:"id,omitempty"`
	Constraints map[string]any   `json:"constraints,omitempty"`
}

// Filter is one conjunctive predicate over a node field. A node missing
// the field fails the filter; there is no null-wildcard matching.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"operator"`
	Value any    `json:"value"`
}

// RelationshipSpec describes one traversal pass: follow edges of Type in
// Direction up to Depth hops, keeping discovered nodes that pass Filters.
// An empty Type follows every edge type.
type RelationshipSpec struct {
	Type      graph.EdgeType `json:"type,omitempty"`
	Direction Direction      `json:"direction"`
	Depth     int            `json:"depth"`
	Filters   []Filter       `json:"filters,omitempty"`
}

// Aggregation computes one summary value over the filtered entity set,
// optionally bucketed by a GroupBy field.
type Aggregation struct {
	Op      AggOp  `json:"op"`
	Field   string `json:"field,omitempty"`
	GroupBy string `json:"group_by,omitempty"`
}

// TimeRange restricts results to nodes updated within [Start, End].
// A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// ComposedQuery is the canonical query: what to select, how to filter it,
// which relationships to expand, and what to summarize. It is a value
// object; build a fresh one per query, never mutate one in place.
type ComposedQuery struct {
	Entities      []EntitySelector   `json:"entities"`
	Filters       []Filter           `json:"filters,omitempty"`
	Relationships []RelationshipSpec `json:"relationships,omitempty"`
	Aggregations  []Aggregation      `json:"aggregations,omitempty"`
	TimeRange     *TimeRange         `json:"time_range,omitempty"`
	Presentation  map[string]any     `json:"presentation,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	Offset        int                `json:"offset,omitempty"`
}

// Validate checks the query against the engine's vocabulary and budgets.
// It rejects rather than repairs: a query that names an unknown type or
// asks for depth past the cap never executes partially.
func (q *ComposedQuery) Validate() error {
	if len(q.Entities) == 0 {
		return newValidationError("entities", "at least one entity selector is required")
	}
	for i, sel := range q.Entities {
		if !sel.Type.Valid() {
			return newValidationError("entities", "unknown entity type %q (selector %d)", sel.Type, i)
		}
		if sel.Scope != "" && !graph.ValidProjectID(sel.Scope) {
			return newValidationError("entities", "invalid scope %q (selector %d)", sel.Scope, i)
		}
	}
	for i, f := range q.Filters {
		if f.Field == "" {
			return newValidationError("filters", "filter %d has no field", i)
		}
		if !f.Op.Valid() {
			return newValidationError("filters", "unknown operator %q (filter %d)", f.Op, i)
		}
	}
	for i, rel := range q.Relationships {
		if rel.Direction != "" && !rel.Direction.Valid() {
			return newValidationError("relationships", "unknown direction %q (relationship %d)", rel.Direction, i)
		}
		if rel.Depth < 0 {
			return newValidationError("relationships", "negative depth %d (relationship %d)", rel.Depth, i)
		}
		if rel.Depth > MaxDepth {
			return newValidationError("relationships", "depth %d exceeds maximum %d (relationship %d)", rel.Depth, MaxDepth, i)
		}
		if rel.Type != "" && !rel.Type.Valid() {
			return newValidationError("relationships", "unknown edge type %q (relationship %d)", rel.Type, i)
		}
		for j, f := range rel.Filters {
			if f.Field == "" {
				return newValidationError("relationships", "relationship %d filter %d has no field", i, j)
			}
			if !f.Op.Valid() {
				return newValidationError("relationships", "unknown operator %q (relationship %d filter %d)", f.Op, i, j)
			}
		}
	}
	for i, agg := range q.Aggregations {
		if !agg.Op.Valid() {
			return newValidationError("aggregations", "unknown aggregation %q (aggregation %d)", agg.Op, i)
		}
		if agg.Op != AggCount && agg.Field == "" {
			return newValidationError("aggregations", "aggregation %q requires a field (aggregation %d)", agg.Op, i)
		}
	}
	if q.TimeRange != nil && !q.TimeRange.Start.IsZero() && !q.TimeRange.End.IsZero() &&
		q.TimeRange.End.Before(q.TimeRange.Start) {
		return newValidationError("time_range", "end precedes start")
	}
	if q.Limit < 0 {
		return newValidationError("limit", "negative limit %d", q.Limit)
	}
	if q.Offset < 0 {
		return newValidationError("offset", "negative offset %d", q.Offset)
	}
	return nil
}

// Normalize fills defaulted fields in place on a freshly built query:
// traversal direction defaults to outbound and depth to one hop. It does
// not touch anything the caller set explicitly.
func (q *ComposedQuery) Normalize() {
	for i := range q.Relationships {
		if q.Relationships[i].Direction == "" {
			q.Relationships[i].Direction = DirectionOutbound
		}
		if q.Relationships[i].Depth == 0 {
			q.Relationships[i].Depth = 1
		}
	}
}

// Result is the outcome of executing one ComposedQuery. It is transient;
// nothing persists it.
type Result struct {
	Entities      []*graph.Node  `json:"entities"`
	Relationships []*graph.Edge  `json:"relationships"`
	Aggregations  map[string]any `json:"aggregations,omitempty"`
	Total         int            `json:"total"`
	Metadata      ResultMetadata `json:"metadata"`
}

// ResultMetadata describes how the result was produced.
type ResultMetadata struct {
	ExecutionTimeMS        float64        `json:"execution_time_ms"`
	EntityTypesQueried     []string       `json:"entity_types_queried"`
	FiltersApplied         int            `json:"filters_applied"`
	RelationshipsTraversed int            `json:"relationships_traversed"`
	MaxDepthReached        int            `json:"max_depth_reached"`
	Truncated              bool           `json:"truncated,omitempty"`
	CacheHit               bool           `json:"cache_hit,omitempty"`
	ParsedQuery            *ComposedQuery `json:"parsed_query,omitempty"`
}
