package query

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"lukechampine.com/blake3"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/pkg/cache"
)

// Config tunes the engine's budgets and result cache. A zero CacheTTL
// disables caching entirely.
type Config struct {
	MaxTraversalNodes int           `json:"max_traversal_nodes"`
	CacheTTL          time.Duration `json:"cache_ttl"`
	CacheSize         int           `json:"cache_size"`
}

// SetDefaults fills unset budgets.
func (c *Config) SetDefaults() {
	if c.MaxTraversalNodes <= 0 {
		c.MaxTraversalNodes = 10000
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
}

// Deps holds the engine's runtime dependencies. Registry and Logger are
// optional; a nil registry disables metrics.
type Deps struct {
	Store    graph.Reader
	Config   Config
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Engine executes composed queries against a graph store. It is a pure
// read path: no code path mutates the store, so execution is safely
// retryable and cancellation can never leave partial state behind.
type Engine struct {
	store   graph.Reader
	config  Config
	cache   *cache.Cache[*Result]
	metrics *engineMetrics
	logger  *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("store is required"),
			"Engine", "NewEngine", "check dependencies")
	}
	deps.Config.SetDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newEngineMetrics(deps.Registry)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:   deps.Store,
		config:  deps.Config,
		metrics: metrics,
		logger:  logger.With("component", "query_engine"),
	}
	if deps.Config.CacheTTL > 0 {
		e.cache = cache.New[*Result](deps.Config.CacheSize, deps.Config.CacheTTL)
	}
	return e, nil
}

// Execute runs one query. The implicit project scope on ctx, when set,
// narrows every selector; a selector scope that names a different
// project is rejected rather than silently widened.
func (e *Engine) Execute(ctx context.Context, q *ComposedQuery) (*Result, error) {
	start := time.Now()

	q.Normalize()
	if err := q.Validate(); err != nil {
		e.metrics.recordQuery("invalid", time.Since(start))
		return nil, err
	}

	implicitScope, _ := graph.ProjectScope(ctx)
	for i, sel := range q.Entities {
		if sel.Scope != "" && implicitScope != "" && sel.Scope != implicitScope {
			e.metrics.recordQuery("invalid", time.Since(start))
			return nil, newValidationError("entities",
				"selector %d scope %q conflicts with request scope %q", i, sel.Scope, implicitScope)
		}
	}

	var key string
	if e.cache != nil {
		key = cacheKey(q, implicitScope)
		if hit, ok := e.cache.Get(key); ok {
			e.metrics.recordCache(true)
			out := hit.clone()
			out.Metadata.CacheHit = true
			out.Metadata.ExecutionTimeMS = durationMS(time.Since(start))
			return out, nil
		}
		e.metrics.recordCache(false)
	}

	result, err := e.execute(ctx, q, implicitScope)
	if err != nil {
		e.metrics.recordQuery(statusLabel(err), time.Since(start))
		return nil, err
	}

	result.Metadata.ExecutionTimeMS = durationMS(time.Since(start))
	if e.cache != nil {
		e.cache.Set(key, result.clone())
	}
	e.metrics.recordQuery("ok", time.Since(start))
	e.metrics.recordResultSize(len(result.Entities))
	return result, nil
}

func (e *Engine) execute(ctx context.Context, q *ComposedQuery, implicitScope string) (*Result, error) {
	candidates, typesQueried, err := e.resolveSelectors(ctx, q, implicitScope)
	if err != nil {
		return nil, err
	}

	// Filters and the time range are conjunctive over the candidates.
	filtered := make([]*graph.Node, 0, len(candidates))
	for _, node := range candidates {
		if !matchAll(node, q.Filters) {
			continue
		}
		if q.TimeRange != nil && !inRange(node.UpdatedAt, q.TimeRange) {
			continue
		}
		filtered = append(filtered, node)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	result := &Result{
		Total:        len(filtered),
		Aggregations: computeAggregations(filtered, q.Aggregations),
		Metadata: ResultMetadata{
			EntityTypesQueried: typesQueried,
			FiltersApplied:     len(q.Filters),
		},
	}

	page := paginate(filtered, q.Offset, q.Limit)
	result.Entities = append(result.Entities, page...)

	if len(q.Relationships) > 0 {
		if err := e.traverse(ctx, q.Relationships, page, result); err != nil {
			return nil, err
		}
	}
	if result.Entities == nil {
		result.Entities = []*graph.Node{}
	}
	if result.Relationships == nil {
		result.Relationships = []*graph.Edge{}
	}
	return result, nil
}

// resolveSelectors unions the nodes each selector matches, deduplicated
// by node id. Selectors without a scope fall back to the implicit scope,
// then to every project the store knows.
func (e *Engine) resolveSelectors(
	ctx context.Context,
	q *ComposedQuery,
	implicitScope string,
) (map[string]*graph.Node, []string, error) {
	candidates := make(map[string]*graph.Node)
	var typesQueried []string
	seenTypes := make(map[graph.EntityType]bool)

	for _, sel := range q.Entities {
		if !seenTypes[sel.Type] {
			seenTypes[sel.Type] = true
			typesQueried = append(typesQueried, string(sel.Type))
		}

		projects, err := e.selectorProjects(ctx, sel, implicitScope)
		if err != nil {
			return nil, nil, err
		}

		for _, projectID := range projects {
			if err := ctx.Err(); err != nil {
				return nil, nil, errors.WrapTransient(err, "Engine", "resolveSelectors", "check cancellation")
			}
			nodes, err := e.selectorNodes(ctx, sel, projectID)
			if err != nil {
				return nil, nil, err
			}
			for _, node := range nodes {
				if !matchConstraints(node, sel.Constraints) {
					continue
				}
				candidates[scopedKey(node)] = node
			}
		}
	}
	return candidates, typesQueried, nil
}

func (e *Engine) selectorProjects(ctx context.Context, sel EntitySelector, implicitScope string) ([]string, error) {
	switch {
	case sel.Scope != "":
		return []string{sel.Scope}, nil
	case implicitScope != "":
		return []string{implicitScope}, nil
	default:
		projects, err := e.store.Projects(ctx)
		if err != nil {
			return nil, errors.WrapTransient(err, "Engine", "selectorProjects", "list projects")
		}
		return projects, nil
	}
}

func (e *Engine) selectorNodes(ctx context.Context, sel EntitySelector, projectID string) ([]*graph.Node, error) {
	if sel.ID != "" {
		node, err := e.store.GetNode(ctx, projectID, graph.NodeID(sel.Type, sel.ID))
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, nil
			}
			return nil, errors.WrapTransient(err, "Engine", "selectorNodes", "get anchor node")
		}
		return []*graph.Node{node}, nil
	}

	nodes, err := e.store.ListNodes(ctx, projectID, []graph.EntityType{sel.Type})
	if err != nil {
		return nil, errors.WrapTransient(err, "Engine", "selectorNodes", "list nodes")
	}
	return nodes, nil
}

// traverse runs one bounded BFS per relationship spec, starting from the
// paginated entity slice. Discovered nodes append to the result entities;
// every traversed edge lands in result.Relationships exactly once.
func (e *Engine) traverse(
	ctx context.Context,
	specs []RelationshipSpec,
	page []*graph.Node,
	result *Result,
) error {
	known := make(map[string]*graph.Node, len(page))
	for _, node := range page {
		known[scopedKey(node)] = node
	}
	seenEdges := make(map[string]bool)
	budget := e.config.MaxTraversalNodes

	for _, spec := range specs {
		visited := make(map[string]bool, len(page))
		frontier := make([]*graph.Node, 0, len(page))
		for _, node := range page {
			visited[scopedKey(node)] = true
			frontier = append(frontier, node)
		}

		for depth := 1; depth <= spec.Depth && len(frontier) > 0; depth++ {
			if err := ctx.Err(); err != nil {
				return errors.WrapTransient(err, "Engine", "traverse", "check cancellation")
			}

			next := make([]*graph.Node, 0)
			for _, node := range frontier {
				edges, err := e.adjacentEdges(ctx, node, spec)
				if err != nil {
					return err
				}
				for _, edge := range edges {
					// The far endpoint; self-loops resolve to the node
					// itself and only contribute the edge.
					neighborID := edge.To
					if edge.To == node.ID && edge.From != node.ID {
						neighborID = edge.From
					}

					neighborKey := node.ProjectID + "/" + neighborID
					if visited[neighborKey] {
						e.recordEdge(edge, seenEdges, result)
						continue
					}

					if len(known) >= budget {
						result.Metadata.Truncated = true
						e.logger.Warn("traversal truncated",
							"budget", budget, "depth", depth)
						return nil
					}

					neighbor, err := e.store.GetNode(ctx, node.ProjectID, neighborID)
					if err != nil {
						if errors.IsNotFound(err) {
							continue
						}
						return errors.WrapTransient(err, "Engine", "traverse", "load neighbor")
					}
					if !matchAll(neighbor, spec.Filters) {
						// A pruned node is neither included nor expanded.
						continue
					}

					visited[neighborKey] = true
					e.recordEdge(edge, seenEdges, result)
					if _, ok := known[neighborKey]; !ok {
						known[neighborKey] = neighbor
						result.Entities = append(result.Entities, neighbor)
					}
					next = append(next, neighbor)
					if depth > result.Metadata.MaxDepthReached {
						result.Metadata.MaxDepthReached = depth
					}
				}
			}
			frontier = next
		}
		result.Metadata.RelationshipsTraversed++
	}
	return nil
}

func (e *Engine) adjacentEdges(ctx context.Context, node *graph.Node, spec RelationshipSpec) ([]*graph.Edge, error) {
	var edges []*graph.Edge

	if spec.Direction == DirectionOutbound || spec.Direction == DirectionBoth {
		out, err := e.store.Outgoing(ctx, node.ProjectID, node.ID)
		if err != nil {
			return nil, errors.WrapTransient(err, "Engine", "adjacentEdges", "list outgoing edges")
		}
		edges = append(edges, out...)
	}
	if spec.Direction == DirectionInbound || spec.Direction == DirectionBoth {
		in, err := e.store.Incoming(ctx, node.ProjectID, node.ID)
		if err != nil {
			return nil, errors.WrapTransient(err, "Engine", "adjacentEdges", "list incoming edges")
		}
		edges = append(edges, in...)
	}

	if spec.Type == "" {
		return edges, nil
	}
	matching := edges[:0]
	for _, edge := range edges {
		if edge.Type == spec.Type {
			matching = append(matching, edge)
		}
	}
	return matching, nil
}

func (e *Engine) recordEdge(edge *graph.Edge, seen map[string]bool, result *Result) {
	key := edge.ProjectID + "/" + edge.Key()
	if seen[key] {
		return
	}
	seen[key] = true
	result.Relationships = append(result.Relationships, edge)
}

func matchConstraints(node *graph.Node, constraints map[string]any) bool {
	for field, want := range constraints {
		got, ok := fieldValue(node, field)
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func inRange(t time.Time, tr *TimeRange) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

func paginate(nodes []*graph.Node, offset, limit int) []*graph.Node {
	if offset >= len(nodes) {
		return []*graph.Node{}
	}
	page := nodes[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return page
}

// scopedKey disambiguates nodes with the same canonical id across
// projects when a query runs unscoped.
func scopedKey(node *graph.Node) string {
	return node.ProjectID + "/" + node.ID
}

// cacheKey hashes the canonical query JSON together with the implicit
// scope, so the same query under different scopes never shares entries.
func cacheKey(q *ComposedQuery, scope string) string {
	data, err := json.Marshal(q)
	if err != nil {
		// Marshal of a ComposedQuery only fails on exotic Presentation
		// values; fall back to an uncacheable unique key.
		return fmt.Sprintf("unhashable-%d", time.Now().UnixNano())
	}
	h := blake3.New(32, nil)
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func statusLabel(err error) string {
	switch {
	case errors.IsInvalid(err):
		return "invalid"
	case errors.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

// clone deep-copies a result so cached entries stay isolated from caller
// mutation.
func (r *Result) clone() *Result {
	out := &Result{
		Total:    r.Total,
		Metadata: r.Metadata,
	}
	out.Entities = make([]*graph.Node, len(r.Entities))
	for i, node := range r.Entities {
		out.Entities[i] = node.Clone()
	}
	out.Relationships = make([]*graph.Edge, len(r.Relationships))
	for i, edge := range r.Relationships {
		out.Relationships[i] = edge.Clone()
	}
	if r.Aggregations != nil {
		out.Aggregations = make(map[string]any, len(r.Aggregations))
		for k, v := range r.Aggregations {
			out.Aggregations[k] = v
		}
	}
	if r.Metadata.ParsedQuery != nil {
		pq := *r.Metadata.ParsedQuery
		out.Metadata.ParsedQuery = &pq
	}
	return out
}
