package query

import (
	"fmt"

	"github.com/latticeworks/lattice/errors"
)

// ParseError reports input the parser could not turn into a query. It is
// always synchronous and local: a parse never yields a partial query.
type ParseError struct {
	Input    string // the raw input, truncated for display
	Token    string // the offending token, when one can be named
	Position int    // token position within the input, -1 when unknown
	Reason   string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("parse query: %s (token %q at position %d)", e.Reason, e.Token, e.Position)
	}
	return fmt.Sprintf("parse query: %s", e.Reason)
}

// Unwrap ties ParseError into the classified taxonomy.
func (e *ParseError) Unwrap() error {
	return errors.ErrQueryParse
}

func newParseError(input, token string, position int, format string, args ...any) *ParseError {
	const maxInput = 120
	if len(input) > maxInput {
		input = input[:maxInput] + "..."
	}
	return &ParseError{
		Input:    input,
		Token:    token,
		Position: position,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// ValidationError reports a structurally well-formed query that asks for
// something the engine will not do: an unknown entity type or operator, a
// traversal past the depth cap, a malformed range.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validate query: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validate query: %s", e.Reason)
}

// Unwrap ties ValidationError into the classified taxonomy.
func (e *ValidationError) Unwrap() error {
	return errors.ErrQueryValidation
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
