package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// structuredQuerySchema is the wire contract for structured query input.
// Validation runs before decoding so a malformed query reports every
// failing field at once instead of the first decode error.
const structuredQuerySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ComposedQuery",
  "type": "object",
  "additionalProperties": false,
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["type"],
        "properties": {
          "type": {
            "type": "string",
            "enum": ["project", "repository", "technology", "task", "service", "file", "symbol", "document"]
          },
          "scope": {"type": "string"},
          "id": {"type": "string"},
          "constraints": {"type": "object"}
        }
      }
    },
    "filters": {"$ref": "#/definitions/filters"},
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "type": {"type": "string"},
          "direction": {"type": "string", "enum": ["outbound", "inbound", "both"]},
          "depth": {"type": "integer", "minimum": 0, "maximum": 5},
          "filters": {"$ref": "#/definitions/filters"}
        }
      }
    },
    "aggregations": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["op"],
        "properties": {
          "op": {"type": "string", "enum": ["count", "sum", "avg", "min", "max"]},
          "field": {"type": "string"},
          "group_by": {"type": "string"}
        }
      }
    },
    "time_range": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "start": {"type": "string", "format": "date-time"},
        "end": {"type": "string", "format": "date-time"}
      }
    },
    "presentation": {"type": "object"},
    "limit": {"type": "integer", "minimum": 0},
    "offset": {"type": "integer", "minimum": 0}
  },
  "definitions": {
    "filters": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["field", "operator"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "operator": {
            "type": "string",
            "enum": ["eq", "ne", "lt", "gt", "lte", "gte", "in", "contains"]
          },
          "value": {}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaCompile  error
)

func querySchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaCompile = gojsonschema.NewSchema(
			gojsonschema.NewStringLoader(structuredQuerySchema))
	})
	return compiledSchema, schemaCompile
}

// ParseStructured validates raw JSON against the query schema and
// decodes it into a normalized ComposedQuery.
func ParseStructured(data []byte) (*ComposedQuery, error) {
	schema, err := querySchema()
	if err != nil {
		return nil, fmt.Errorf("query schema is invalid: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, newParseError(string(data), "", 0, "query is not valid JSON: %v", err)
	}
	if !result.Valid() {
		fields := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			fields = append(fields, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, newParseError(string(data), "", 0,
			"query does not match the schema: %s", strings.Join(fields, "; "))
	}

	var q ComposedQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, newParseError(string(data), "", 0, "query does not decode: %v", err)
	}

	q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}
