package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/latticeworks/lattice/graph"
)

// Virtual fields resolve from the node itself; everything else resolves
// from metadata. A field absent in both fails every filter that names it.
const (
	fieldID         = "id"
	fieldLabel      = "label"
	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"
	fieldProjectID  = "project_id"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
)

// fieldValue resolves field on node. The second return is false when the
// field is neither virtual nor present in metadata.
func fieldValue(node *graph.Node, field string) (any, bool) {
	switch field {
	case fieldID:
		return node.ID, true
	case fieldLabel:
		return node.Label, true
	case fieldEntityType:
		return string(node.EntityType), true
	case fieldEntityID:
		return node.EntityID, true
	case fieldProjectID:
		return node.ProjectID, true
	case fieldCreatedAt:
		return node.CreatedAt, true
	case fieldUpdatedAt:
		return node.UpdatedAt, true
	}
	if node.Metadata == nil {
		return nil, false
	}
	v, ok := node.Metadata[field]
	return v, ok
}

// matchFilter reports whether node passes f. Missing fields fail the
// filter: there is no null-wildcard matching.
func matchFilter(node *graph.Node, f Filter) bool {
	value, ok := fieldValue(node, f.Field)
	if !ok {
		return false
	}

	switch f.Op {
	case OpEQ:
		return looseEqual(value, f.Value)
	case OpNE:
		return !looseEqual(value, f.Value)
	case OpLT, OpGT, OpLTE, OpGTE:
		cmp, ok := compareOrder(value, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLT:
			return cmp < 0
		case OpGT:
			return cmp > 0
		case OpLTE:
			return cmp <= 0
		default:
			return cmp >= 0
		}
	case OpIn:
		for _, candidate := range asList(f.Value) {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	case OpContains:
		return containsValue(value, f.Value)
	default:
		return false
	}
}

// matchAll applies filters as a conjunction.
func matchAll(node *graph.Node, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(node, f) {
			return false
		}
	}
	return true
}

// looseEqual compares across the type wobble JSON introduces: 2 and 2.0
// are equal, and everything else falls back to string rendering.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Equal(bt)
		}
	}
	return stringify(a) == stringify(b)
}

// compareOrder orders two values: numeric when both coerce to float64,
// time-aware when both parse as timestamps, semver-aware when both parse
// as versions, lexicographic otherwise. Returns false when the pair has
// no sensible ordering (for example a list).
func compareOrder(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		if av, err := semver.NewVersion(as); err == nil {
			if bv, err := semver.NewVersion(bs); err == nil {
				return av.Compare(bv), true
			}
		}
		return strings.Compare(as, bs), true
	}

	switch a.(type) {
	case []any, []string, map[string]any:
		return 0, false
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

// containsValue handles the two shapes of contains: substring match on
// strings, element membership on lists.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), strings.ToLower(stringify(needle)))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// asList widens a filter value to a slice for the in operator. A scalar
// becomes a one-element list so `in` degrades to equality.
func asList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// toFloat coerces the numeric types JSON decoding and Go literals produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toTime coerces time.Time values and RFC3339 strings.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
