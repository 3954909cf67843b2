package query

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/latticeworks/lattice/graph"
)

// Parse converts loose input into a validated ComposedQuery. Strings are
// dispatched by shape: valid JSON objects go through the schema path,
// GraphQL documents through gqlparser, anything else through the lexical
// text parser. Maps and raw JSON take the schema path directly.
func Parse(input any) (*ComposedQuery, error) {
	switch v := input.(type) {
	case *ComposedQuery:
		v.Normalize()
		if err := v.Validate(); err != nil {
			return nil, err
		}
		return v, nil
	case string:
		return parseString(v)
	case []byte:
		return ParseStructured(v)
	case json.RawMessage:
		return ParseStructured(v)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, newParseError("", "", 0, "structured query is not serializable: %v", err)
		}
		return ParseStructured(data)
	default:
		return nil, newParseError("", "", 0, "unsupported query input type %T", input)
	}
}

func parseString(input string) (*ComposedQuery, error) {
	trimmed := strings.TrimSpace(input)
	switch {
	case trimmed == "":
		return nil, newParseError(input, "", 0, "empty query")
	case json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{"):
		return ParseStructured([]byte(trimmed))
	case looksLikeGraphQL(trimmed):
		return ParseGraphQL(trimmed)
	default:
		return ParseText(input)
	}
}

func looksLikeGraphQL(s string) bool {
	return strings.HasPrefix(s, "{") ||
		strings.HasPrefix(s, "query") ||
		strings.HasPrefix(s, "fragment")
}

// token is one lexical unit of a text query. pos is the byte offset of
// the token in the original input.
type token struct {
	text   string
	lower  string
	pos    int
	quoted bool
}

func lexTokens(input string) []token {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}
		if c == '"' || c == '\'' {
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			text := input[i+1 : j]
			if text != "" {
				toks = append(toks, token{text: text, lower: strings.ToLower(text), pos: i, quoted: true})
			}
			if j < len(input) {
				j++
			}
			i = j
			continue
		}
		j := i
		for j < len(input) && !isSpaceByte(input[j]) {
			j++
		}
		raw := input[i:j]
		trimmed := strings.Trim(raw, ",.?!;")
		if trimmed != "" {
			leading := len(raw) - len(strings.TrimLeft(raw, ",.?!;"))
			toks = append(toks, token{
				text:  trimmed,
				lower: strings.ToLower(trimmed),
				pos:   i + leading,
			})
		}
		i = j
	}
	return toks
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Words that carry no meaning in a text query.
var skipWords = map[string]bool{
	"show": true, "find": true, "list": true, "get": true, "give": true,
	"me": true, "all": true, "the": true, "a": true, "an": true,
	"of": true, "that": true, "which": true, "are": true, "is": true,
	"with": true, "have": true, "having": true, "has": true,
	"whose": true, "and": true, "please": true, "what": true,
}

// ParseText maps a natural-language query onto the model with a single
// deterministic left-to-right pass. The same input always yields the
// same ComposedQuery; input that names no entity type, or leaves an
// operator without an operand, fails with a ParseError instead of
// producing a partial query.
func ParseText(input string) (*ComposedQuery, error) {
	toks := lexTokens(input)
	if len(toks) == 0 {
		return nil, newParseError(input, "", 0, "empty query")
	}

	q := &ComposedQuery{}
	scope := ""
	pendingField := ""
	var lastRel *RelationshipSpec
	relWantsTarget := false

	appendRel := func(spec RelationshipSpec) {
		q.Relationships = append(q.Relationships, spec)
		lastRel = &q.Relationships[len(q.Relationships)-1]
		relWantsTarget = true
	}

	i := 0
	for i < len(toks) {
		t := toks[i]

		if !t.quoted && skipWords[t.lower] {
			i++
			continue
		}

		// Comparison phrases become filters. English permits the field
		// on either side of the operator ("stars more than 5", "more
		// than 5 stars"), so the field is the pending bare word when one
		// exists, otherwise the word after the value.
		if op, width, ok := operatorAt(toks, i); ok {
			valueIdx := i + width
			if valueIdx >= len(toks) {
				return nil, newParseError(input, t.text, t.pos, "operator %q has no operand", t.text)
			}
			value := filterValue(toks[valueIdx])
			field := pendingField
			consumed := width + 1
			if field == "" {
				if fieldIdx := valueIdx + 1; fieldIdx < len(toks) && isBareWord(toks[fieldIdx]) {
					field = toks[fieldIdx].lower
					consumed++
				} else if op == OpContains {
					field = fieldLabel
				} else {
					return nil, newParseError(input, t.text, t.pos, "operator %q has no field", t.text)
				}
			}
			q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
			pendingField = ""
			i += consumed
			continue
		}

		if spec, width, ok := relationshipAt(toks, i); ok {
			appendRel(spec)
			i += width
			continue
		}

		if !t.quoted {
			switch t.lower {
			case "in", "inside":
				j := i + 1
				for j < len(toks) && (toks[j].lower == "the" || toks[j].lower == "project") {
					j++
				}
				if j >= len(toks) {
					return nil, newParseError(input, t.text, t.pos, "expected a project name after %q", t.text)
				}
				scope = toks[j].text
				j++
				if j < len(toks) && toks[j].lower == "project" {
					j++
				}
				i = j
				continue

			case "within", "across":
				n, ok := hopCount(toks, i+1)
				if !ok {
					return nil, newParseError(input, t.text, t.pos, "expected a hop count after %q", t.text)
				}
				if lastRel == nil {
					appendRel(RelationshipSpec{Direction: DirectionBoth})
					relWantsTarget = false
				}
				lastRel.Depth = n
				i += 3
				continue

			case "since", "after":
				ts, ok := dateValue(toks, i+1)
				if !ok {
					return nil, newParseError(input, t.text, t.pos, "expected a date after %q", t.text)
				}
				if q.TimeRange == nil {
					q.TimeRange = &TimeRange{}
				}
				q.TimeRange.Start = ts
				i += 2
				continue

			case "until", "before":
				ts, ok := dateValue(toks, i+1)
				if !ok {
					return nil, newParseError(input, t.text, t.pos, "expected a date after %q", t.text)
				}
				if q.TimeRange == nil {
					q.TimeRange = &TimeRange{}
				}
				q.TimeRange.End = ts
				i += 2
				continue

			case "limit", "top", "first":
				n, ok := intValue(toks, i+1)
				if !ok {
					return nil, newParseError(input, t.text, t.pos, "expected a number after %q", t.text)
				}
				q.Limit = n
				i += 2
				continue

			case "offset", "skip":
				n, ok := intValue(toks, i+1)
				if !ok {
					return nil, newParseError(input, t.text, t.pos, "expected a number after %q", t.text)
				}
				q.Offset = n
				i += 2
				continue

			case "count":
				q.Aggregations = append(q.Aggregations, Aggregation{Op: AggCount})
				i++
				continue

			case "how":
				if i+1 < len(toks) && toks[i+1].lower == "many" {
					q.Aggregations = append(q.Aggregations, Aggregation{Op: AggCount})
					i += 2
					continue
				}

			case "average", "avg", "minimum", "maximum":
				op := map[string]AggOp{
					"average": AggAvg, "avg": AggAvg,
					"minimum": AggMin, "maximum": AggMax,
				}[t.lower]
				j := i + 1
				if j < len(toks) && toks[j].lower == "of" {
					j++
				}
				if j >= len(toks) || !isBareWord(toks[j]) {
					return nil, newParseError(input, t.text, t.pos, "expected a field after %q", t.text)
				}
				q.Aggregations = append(q.Aggregations, Aggregation{Op: op, Field: toks[j].lower})
				i = j + 1
				continue

			case "sum":
				j := i + 1
				if j < len(toks) && toks[j].lower == "of" {
					j++
				}
				if j >= len(toks) || !isBareWord(toks[j]) {
					return nil, newParseError(input, t.text, t.pos, "expected a field after %q", t.text)
				}
				q.Aggregations = append(q.Aggregations, Aggregation{Op: AggSum, Field: toks[j].lower})
				i = j + 1
				continue
			}

			if isOpLike(t.lower) {
				return nil, newParseError(input, t.text, t.pos, "unrecognized operator %q", t.text)
			}

			// Canonical "type:id" tokens anchor a selector directly.
			if et, entityID, ok := graph.SplitNodeID(t.text); ok {
				if relWantsTarget {
					lastRel.Filters = append(lastRel.Filters,
						Filter{Field: fieldID, Op: OpEQ, Value: t.text})
					relWantsTarget = false
				} else {
					q.Entities = append(q.Entities, EntitySelector{Type: et, ID: entityID})
				}
				i++
				continue
			}

			if et, ok := graph.ParseEntityType(t.lower); ok {
				if relWantsTarget {
					lastRel.Filters = append(lastRel.Filters,
						Filter{Field: fieldEntityType, Op: OpEQ, Value: string(et)})
					relWantsTarget = false
				} else {
					q.Entities = append(q.Entities, EntitySelector{Type: et})
				}
				i++
				continue
			}
		}

		// A bare word after a relationship verb narrows the traversal by
		// label; anywhere else it is a candidate filter field.
		if relWantsTarget {
			lastRel.Filters = append(lastRel.Filters,
				Filter{Field: fieldLabel, Op: OpContains, Value: t.text})
			relWantsTarget = false
		} else {
			pendingField = t.lower
		}
		i++
	}

	if len(q.Entities) == 0 {
		return nil, newParseError(input, "", 0, "no entity type recognized")
	}
	if scope != "" {
		for idx := range q.Entities {
			if q.Entities[idx].Scope == "" {
				q.Entities[idx].Scope = scope
			}
		}
	}

	q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func operatorAt(toks []token, i int) (Op, int, bool) {
	t := toks[i]
	if t.quoted {
		return "", 0, false
	}
	next := ""
	if i+1 < len(toks) && !toks[i+1].quoted {
		next = toks[i+1].lower
	}

	switch t.lower {
	case ">", "over", "above", "exceeding":
		return OpGT, 1, true
	case ">=":
		return OpGTE, 1, true
	case "<", "under", "below":
		return OpLT, 1, true
	case "<=":
		return OpLTE, 1, true
	case "=", "==", "equals":
		return OpEQ, 1, true
	case "!=":
		return OpNE, 1, true
	case "matching", "like":
		return OpContains, 1, true
	case "more", "greater":
		if next == "than" {
			return OpGT, 2, true
		}
	case "less", "fewer":
		if next == "than" {
			return OpLT, 2, true
		}
	case "at":
		if next == "least" {
			return OpGTE, 2, true
		}
		if next == "most" {
			return OpLTE, 2, true
		}
	case "equal":
		if next == "to" {
			return OpEQ, 2, true
		}
	case "not":
		if next == "equal" {
			width := 2
			if i+2 < len(toks) && toks[i+2].lower == "to" {
				width = 3
			}
			return OpNE, width, true
		}
	}
	return "", 0, false
}

func relationshipAt(toks []token, i int) (RelationshipSpec, int, bool) {
	t := toks[i]
	if t.quoted {
		return RelationshipSpec{}, 0, false
	}
	next := ""
	if i+1 < len(toks) && !toks[i+1].quoted {
		next = toks[i+1].lower
	}

	switch t.lower {
	case "using", "uses", "use":
		return RelationshipSpec{Type: graph.EdgeUses, Direction: DirectionOutbound, Depth: 1}, 1, true
	case "containing", "contains":
		return RelationshipSpec{Type: graph.EdgeContains, Direction: DirectionOutbound, Depth: 1}, 1, true
	case "calling", "calls":
		return RelationshipSpec{Type: graph.EdgeCalls, Direction: DirectionOutbound, Depth: 1}, 1, true
	case "implementing", "implements":
		return RelationshipSpec{Type: graph.EdgeImplements, Direction: DirectionOutbound, Depth: 1}, 1, true
	case "referencing", "references":
		return RelationshipSpec{Type: graph.EdgeReferences, Direction: DirectionOutbound, Depth: 1}, 1, true
	case "used":
		if next == "by" {
			return RelationshipSpec{Type: graph.EdgeUses, Direction: DirectionInbound, Depth: 1}, 2, true
		}
	case "called":
		if next == "by" {
			return RelationshipSpec{Type: graph.EdgeCalls, Direction: DirectionInbound, Depth: 1}, 2, true
		}
	case "implemented":
		if next == "by" {
			return RelationshipSpec{Type: graph.EdgeImplements, Direction: DirectionInbound, Depth: 1}, 2, true
		}
	case "referenced":
		if next == "by" {
			return RelationshipSpec{Type: graph.EdgeReferences, Direction: DirectionInbound, Depth: 1}, 2, true
		}
	case "connected", "related":
		if next == "to" {
			return RelationshipSpec{Direction: DirectionBoth, Depth: 1}, 2, true
		}
	case "depends", "depending":
		if next == "on" {
			return RelationshipSpec{Type: graph.EdgeUses, Direction: DirectionOutbound, Depth: 1}, 2, true
		}
	}
	return RelationshipSpec{}, 0, false
}

func isBareWord(t token) bool {
	if t.quoted {
		return true
	}
	if skipWords[t.lower] || isOpLike(t.lower) {
		return false
	}
	if _, err := strconv.ParseFloat(t.lower, 64); err == nil {
		return false
	}
	return true
}

func isOpLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch r {
		case '<', '>', '=', '!':
		default:
			return false
		}
	}
	return true
}

func filterValue(t token) any {
	if t.quoted {
		return t.text
	}
	if f, err := strconv.ParseFloat(t.lower, 64); err == nil {
		return f
	}
	if t.lower == "true" {
		return true
	}
	if t.lower == "false" {
		return false
	}
	return t.text
}

func hopCount(toks []token, i int) (int, bool) {
	if i >= len(toks) {
		return 0, false
	}
	n, err := strconv.Atoi(toks[i].lower)
	if err != nil || n < 0 {
		return 0, false
	}
	if i+1 >= len(toks) {
		return 0, false
	}
	switch toks[i+1].lower {
	case "hop", "hops":
		return n, true
	}
	return 0, false
}

func intValue(toks []token, i int) (int, bool) {
	if i >= len(toks) {
		return 0, false
	}
	n, err := strconv.Atoi(toks[i].lower)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func dateValue(toks []token, i int) (time.Time, bool) {
	if i >= len(toks) {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, toks[i].text); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
