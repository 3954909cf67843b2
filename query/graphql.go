package query

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/latticeworks/lattice/graph"
)

// ParseGraphQL maps a GraphQL query document onto the model. Top-level
// fields select entity types; their arguments carry `id`, `scope`,
// `limit`, `offset`, and `{field}_{op}` filters. Nested selections become
// relationship specs with `depth` and `direction` arguments. The mapping
// is purely syntactic: no schema, no variables, no fragments.
func ParseGraphQL(input string) (*ComposedQuery, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: input})
	if err != nil {
		return nil, newParseError(input, "", 0, "invalid graphql: %v", err)
	}
	if len(doc.Operations) == 0 {
		return nil, newParseError(input, "", 0, "graphql document has no operations")
	}
	op := doc.Operations[0]
	if op.Operation != ast.Query {
		return nil, newParseError(input, string(op.Operation), 0, "only query operations are supported")
	}

	q := &ComposedQuery{}
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			return nil, newParseError(input, "", 0, "fragments are not supported")
		}

		et, ok := graph.ParseEntityType(field.Name)
		if !ok {
			return nil, newParseError(input, field.Name, fieldPos(field), "unknown entity type %q", field.Name)
		}
		selector := EntitySelector{Type: et}

		for _, arg := range field.Arguments {
			value, err := argValue(input, arg)
			if err != nil {
				return nil, err
			}
			switch arg.Name {
			case "id":
				selector.ID = stringify(value)
			case "scope":
				selector.Scope = stringify(value)
			case "limit":
				n, ok := toFloat(value)
				if !ok || n < 0 {
					return nil, newParseError(input, arg.Name, 0, "limit must be a non-negative integer")
				}
				q.Limit = int(n)
			case "offset":
				n, ok := toFloat(value)
				if !ok || n < 0 {
					return nil, newParseError(input, arg.Name, 0, "offset must be a non-negative integer")
				}
				q.Offset = int(n)
			default:
				f, err := argFilter(input, arg.Name, value)
				if err != nil {
					return nil, err
				}
				q.Filters = append(q.Filters, f)
			}
		}

		q.Entities = append(q.Entities, selector)
		if err := collectRelationships(input, field.SelectionSet, q); err != nil {
			return nil, err
		}
	}

	q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// collectRelationships flattens nested selections into relationship
// specs, depth-first in document order. A nested field naming an edge
// type sets the spec type; one naming an entity type constrains the
// discovered nodes instead.
func collectRelationships(input string, selections ast.SelectionSet, q *ComposedQuery) error {
	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			return newParseError(input, "", 0, "fragments are not supported")
		}

		spec := RelationshipSpec{Direction: DirectionOutbound, Depth: 1}
		switch {
		case graph.EdgeType(field.Name).Valid():
			spec.Type = graph.EdgeType(field.Name)
		default:
			et, ok := graph.ParseEntityType(field.Name)
			if !ok {
				return newParseError(input, field.Name, fieldPos(field), "unknown relationship %q", field.Name)
			}
			spec.Filters = append(spec.Filters,
				Filter{Field: fieldEntityType, Op: OpEQ, Value: string(et)})
		}

		for _, arg := range field.Arguments {
			value, err := argValue(input, arg)
			if err != nil {
				return err
			}
			switch arg.Name {
			case "depth":
				n, ok := toFloat(value)
				if !ok || n < 0 {
					return newParseError(input, arg.Name, 0, "depth must be a non-negative integer")
				}
				spec.Depth = int(n)
			case "direction":
				dir := Direction(strings.ToLower(stringify(value)))
				if !dir.Valid() {
					return newParseError(input, arg.Name, 0, "unknown direction %q", stringify(value))
				}
				spec.Direction = dir
			default:
				f, err := argFilter(input, arg.Name, value)
				if err != nil {
					return err
				}
				spec.Filters = append(spec.Filters, f)
			}
		}

		q.Relationships = append(q.Relationships, spec)
		if err := collectRelationships(input, field.SelectionSet, q); err != nil {
			return err
		}
	}
	return nil
}

// argFilter splits a "{field}_{op}" argument name into a filter. The op
// is the suffix after the last underscore so field names may themselves
// contain underscores.
func argFilter(input, name string, value any) (Filter, error) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return Filter{}, newParseError(input, name, 0, "unknown argument %q", name)
	}
	op := Op(name[idx+1:])
	if !op.Valid() {
		return Filter{}, newParseError(input, name, 0, "unknown operator in argument %q", name)
	}
	return Filter{Field: name[:idx], Op: op, Value: value}, nil
}

func argValue(input string, arg *ast.Argument) (any, error) {
	if arg.Value == nil {
		return nil, newParseError(input, arg.Name, 0, "argument %q has no value", arg.Name)
	}
	if hasVariable(arg.Value) {
		return nil, newParseError(input, arg.Name, 0, "variables are not supported")
	}
	value, err := arg.Value.Value(nil)
	if err != nil {
		return nil, newParseError(input, arg.Name, 0, "argument %q: %v", arg.Name, err)
	}
	return value, nil
}

func hasVariable(v *ast.Value) bool {
	if v == nil {
		return false
	}
	if v.Kind == ast.Variable {
		return true
	}
	for _, child := range v.Children {
		if hasVariable(child.Value) {
			return true
		}
	}
	return false
}

func fieldPos(field *ast.Field) int {
	if field.Position == nil {
		return 0
	}
	return field.Position.Start
}
