package graph

import "context"

type scopeKey struct{}

// WithProjectScope returns a context carrying an implicit project scope.
// The HTTP layer sets it from the upstream auth header; the query engine
// and the transports honor it identically, so a scoped caller can never
// read or subscribe outside its project.
func WithProjectScope(ctx context.Context, projectID string) context.Context {
	if projectID == "" {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, projectID)
}

// ProjectScope extracts the implicit project scope, if any.
func ProjectScope(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(scopeKey{}).(string)
	return id, ok && id != ""
}
