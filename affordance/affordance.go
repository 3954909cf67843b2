// Package affordance executes context-suggested actions and interprets
// their results.
//
// A server registers named action handlers with an Executor and dispatches
// incoming actions to them. Each result is classified by its type: navigate
// results carry query parameters the client folds into its URL state,
// created and triggered results are pure notifications, and data results
// carry a payload. The client-side Interpreter applies that classification;
// result types it does not recognize are logged and dropped so an older
// client survives a newer server vocabulary.
package affordance

import (
	"fmt"
)

// Result types an action handler may return.
const (
	ResultNavigate  = "navigate"
	ResultCreated   = "created"
	ResultTriggered = "triggered"
	ResultData      = "data"
)

// Action is a request to execute a named affordance against a target.
type Action struct {
	Name   string `json:"action"`
	Target string `json:"target,omitempty"`
	// Parameters carry action-specific arguments straight through to the
	// handler.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result classifies the effect of an executed action.
type Result struct {
	Type    string `json:"result_type"`
	Message string `json:"message,omitempty"`
	// Target names the entity the action navigated to or acted on.
	Target string `json:"target,omitempty"`
	// Query carries the parameters a navigate result merges into the
	// caller's URL state.
	Query map[string]any `json:"query,omitempty"`
	// Data is the payload of a data result.
	Data any `json:"data,omitempty"`
	// ID identifies the entity a created result produced.
	ID string `json:"id,omitempty"`
}

// ExecutionError reports a handler that failed. The handler's own message
// passes through verbatim; callers see what went wrong, not a generic
// dispatch failure.
type ExecutionError struct {
	Action string
	Err    error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute action %q: %s", e.Action, e.Err)
}

// Unwrap exposes the handler's error for errors.Is checks.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
