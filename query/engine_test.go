package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *graph.MemoryStore) {
	t.Helper()
	store := graph.NewMemoryStore()
	seedTestGraph(t, store)

	engine, err := NewEngine(Deps{Store: store, Config: cfg})
	require.NoError(t, err)
	return engine, store
}

// seedTestGraph builds two projects. "platform" has three repositories
// wired to their technologies plus a gateway service calling the API
// repo; "research" has a single unconnected repository.
func seedTestGraph(t *testing.T, store *graph.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	nodes := []struct {
		et      graph.EntityType
		id      string
		project string
		label   string
		meta    map[string]any
	}{
		{graph.EntityRepository, "api", "platform", "API", map[string]any{"stars": 10, "language": "go", "version": "1.2.3"}},
		{graph.EntityRepository, "web", "platform", "Web", map[string]any{"stars": 3, "language": "typescript", "version": "2.0.0"}},
		{graph.EntityRepository, "etl", "platform", "ETL", map[string]any{"stars": 7, "language": "python"}},
		{graph.EntityTechnology, "go", "platform", "Go", nil},
		{graph.EntityTechnology, "python", "platform", "Python", nil},
		{graph.EntityTechnology, "typescript", "platform", "TypeScript", nil},
		{graph.EntityService, "gateway", "platform", "Gateway", nil},
		{graph.EntityRepository, "papers", "research", "Papers", map[string]any{"stars": 1, "language": "tex"}},
	}
	for _, n := range nodes {
		node := graph.NewNode(n.et, n.id, n.project, n.label)
		node.Metadata = n.meta
		_, _, err := store.PutNode(ctx, node)
		require.NoError(t, err)
	}

	edges := []struct {
		from, to string
		typ      graph.EdgeType
	}{
		{"repository:api", "technology:go", graph.EdgeUses},
		{"repository:web", "technology:typescript", graph.EdgeUses},
		{"repository:etl", "technology:python", graph.EdgeUses},
		{"service:gateway", "repository:api", graph.EdgeCalls},
	}
	for _, e := range edges {
		_, _, err := store.PutEdge(ctx, &graph.Edge{
			From: e.from, To: e.to, Type: e.typ, ProjectID: "platform",
		})
		require.NoError(t, err)
	}
}

func repoQuery() *ComposedQuery {
	return &ComposedQuery{
		Entities: []EntitySelector{{Type: graph.EntityRepository, Scope: "platform"}},
	}
}

func entityIDs(nodes []*graph.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestEngine_Execute_FiltersAreConjunctive(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Filters = []Filter{
		{Field: "language", Op: OpEQ, Value: "go"},
		{Field: "stars", Op: OpGT, Value: 5},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, []string{"repository:api"}, entityIDs(result.Entities))
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 2, result.Metadata.FiltersApplied)
}

func TestEngine_Execute_MissingFieldFailsFilter(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Filters = []Filter{{Field: "license", Op: OpNE, Value: "mit"}}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.Empty(t, result.Entities, "missing field fails even negative filters")
	assert.Equal(t, 0, result.Total)
}

func TestEngine_Execute_SemverOrdering(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Filters = []Filter{{Field: "version", Op: OpGTE, Value: "1.10.0"}}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	// 2.0.0 >= 1.10.0 under semver; 1.2.3 is not, though it would be
	// lexicographically.
	assert.Equal(t, []string{"repository:web"}, entityIDs(result.Entities))
}

func TestEngine_Execute_TotalBeforePagination(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Limit = 2
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, []string{"repository:api", "repository:etl"}, entityIDs(result.Entities))

	q = repoQuery()
	q.Offset = 2
	result, err = engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, []string{"repository:web"}, entityIDs(result.Entities))
}

func TestEngine_Execute_OffsetPastEnd(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Offset = 50
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.NotNil(t, result.Entities)
	assert.Empty(t, result.Entities)
	assert.Equal(t, 3, result.Total)
}

func TestEngine_Execute_AggregationsOverFullSet(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Limit = 1
	q.Aggregations = []Aggregation{
		{Op: AggCount},
		{Op: AggSum, Field: "stars"},
		{Op: AggAvg, Field: "stars"},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	require.Len(t, result.Entities, 1, "pagination still applies to entities")
	assert.Equal(t, 3, result.Aggregations["count"], "aggregations see the full filtered set")
	assert.Equal(t, 20.0, result.Aggregations["sum_stars"])
	assert.InDelta(t, 20.0/3.0, result.Aggregations["avg_stars"], 0.0001)
}

func TestEngine_Execute_GroupBy(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Aggregations = []Aggregation{{Op: AggCount, GroupBy: "language"}}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	grouped, ok := result.Aggregations["count"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"go": 1, "typescript": 1, "python": 1}, grouped)
}

func TestEngine_Execute_TraversalOutbound(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Relationships = []RelationshipSpec{
		{Type: graph.EdgeUses, Direction: DirectionOutbound, Depth: 1},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	ids := entityIDs(result.Entities)
	assert.Contains(t, ids, "technology:go")
	assert.Contains(t, ids, "technology:python")
	assert.Contains(t, ids, "technology:typescript")
	assert.Len(t, result.Relationships, 3)
	assert.Equal(t, 1, result.Metadata.MaxDepthReached)
	assert.Equal(t, 1, result.Metadata.RelationshipsTraversed)
	assert.Equal(t, 3, result.Total, "discovered nodes do not count toward total")
}

func TestEngine_Execute_TraversalInbound(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := &ComposedQuery{
		Entities: []EntitySelector{{Type: graph.EntityTechnology, Scope: "platform", ID: "go"}},
		Relationships: []RelationshipSpec{
			{Type: graph.EdgeUses, Direction: DirectionInbound, Depth: 1},
		},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"technology:go", "repository:api"}, entityIDs(result.Entities))
	require.Len(t, result.Relationships, 1)
	assert.Equal(t, "repository:api", result.Relationships[0].From)
}

func TestEngine_Execute_TraversalDeduplicates(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Relationships = []RelationshipSpec{
		{Direction: DirectionBoth, Depth: 2},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, node := range result.Entities {
		seen[node.ID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "node %s appears more than once", id)
	}

	edgeKeys := make(map[string]int)
	for _, edge := range result.Relationships {
		edgeKeys[edge.Key()]++
	}
	for key, count := range edgeKeys {
		assert.Equal(t, 1, count, "edge %s appears more than once", key)
	}
}

func TestEngine_Execute_RelationshipFiltersPruneExpansion(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	// gateway -calls-> api -uses-> go. Pruning the repository at depth 1
	// must also stop the walk from ever reaching the technology at depth 2.
	q := &ComposedQuery{
		Entities: []EntitySelector{{Type: graph.EntityService, Scope: "platform"}},
		Relationships: []RelationshipSpec{
			{
				Direction: DirectionOutbound,
				Depth:     2,
				Filters:   []Filter{{Field: "entity_type", Op: OpEQ, Value: "technology"}},
			},
		},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, []string{"service:gateway"}, entityIDs(result.Entities))
	assert.Empty(t, result.Relationships)
}

func TestEngine_Execute_DepthCapRejected(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Relationships = []RelationshipSpec{
		{Type: graph.EdgeUses, Direction: DirectionOutbound, Depth: MaxDepth + 1},
	}
	_, err := engine.Execute(ctx, q)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_Execute_NodeBudgetTruncates(t *testing.T) {
	engine, _ := newTestEngine(t, Config{MaxTraversalNodes: 3})
	ctx := context.Background()

	q := repoQuery()
	q.Relationships = []RelationshipSpec{
		{Type: graph.EdgeUses, Direction: DirectionOutbound, Depth: 1},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.True(t, result.Metadata.Truncated)
	assert.Len(t, result.Entities, 3, "page nodes fill the whole budget")
}

func TestEngine_Execute_AnchorByID(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := &ComposedQuery{
		Entities: []EntitySelector{{Type: graph.EntityRepository, Scope: "platform", ID: "api"}},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"repository:api"}, entityIDs(result.Entities))

	q.Entities[0].ID = "ghost"
	result, err = engine.Execute(ctx, q)
	require.NoError(t, err, "an unknown anchor yields an empty result, not an error")
	assert.Empty(t, result.Entities)
}

func TestEngine_Execute_SelectorConstraints(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := &ComposedQuery{
		Entities: []EntitySelector{{
			Type:        graph.EntityRepository,
			Scope:       "platform",
			Constraints: map[string]any{"language": "python"},
		}},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"repository:etl"}, entityIDs(result.Entities))
}

func TestEngine_Execute_SelectorUnionDeduplicates(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := &ComposedQuery{
		Entities: []EntitySelector{
			{Type: graph.EntityRepository, Scope: "platform"},
			{Type: graph.EntityRepository, Scope: "platform", ID: "api"},
		},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total, "overlapping selectors do not double-count")
	assert.Equal(t, []string{"repository:api", "repository:etl", "repository:web"}, entityIDs(result.Entities))
}

func TestEngine_Execute_UnscopedSpansProjects(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := &ComposedQuery{
		Entities: []EntitySelector{{Type: graph.EntityRepository}},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Total, "no scope means every project")
}

func TestEngine_Execute_ImplicitScopeFromContext(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := graph.WithProjectScope(context.Background(), "research")

	q := &ComposedQuery{
		Entities: []EntitySelector{{Type: graph.EntityRepository}},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"repository:papers"}, entityIDs(result.Entities))
}

func TestEngine_Execute_ConflictingScopeRejected(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := graph.WithProjectScope(context.Background(), "research")

	q := repoQuery() // selector scope is "platform"
	_, err := engine.Execute(ctx, q)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_Execute_TimeRange(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.TimeRange = &TimeRange{Start: time.Now().Add(-time.Hour)}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total, "fresh nodes fall inside a recent window")

	q = repoQuery()
	q.TimeRange = &TimeRange{End: time.Now().Add(-time.Hour)}
	result, err = engine.Execute(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, result.Total, "nothing was updated more than an hour ago")
}

func TestEngine_Execute_ValidationFailures(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		q    *ComposedQuery
	}{
		{"no selectors", &ComposedQuery{}},
		{"unknown entity type", &ComposedQuery{
			Entities: []EntitySelector{{Type: "widget"}},
		}},
		{"unknown operator", &ComposedQuery{
			Entities: []EntitySelector{{Type: graph.EntityRepository}},
			Filters:  []Filter{{Field: "stars", Op: "between", Value: 1}},
		}},
		{"negative limit", &ComposedQuery{
			Entities: []EntitySelector{{Type: graph.EntityRepository}},
			Limit:    -1,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Execute(ctx, tc.q)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestEngine_Execute_CacheHit(t *testing.T) {
	engine, store := newTestEngine(t, Config{CacheTTL: time.Minute})
	ctx := context.Background()

	first, err := engine.Execute(ctx, repoQuery())
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	// A write between the two executions is invisible to the cached
	// entry; staleness inside the TTL is the accepted trade-off.
	node := graph.NewNode(graph.EntityRepository, "new", "platform", "New")
	_, _, err = store.PutNode(ctx, node)
	require.NoError(t, err)

	second, err := engine.Execute(ctx, repoQuery())
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Total, second.Total)
}

func TestEngine_Execute_CacheIsolatesCallers(t *testing.T) {
	engine, _ := newTestEngine(t, Config{CacheTTL: time.Minute})
	ctx := context.Background()

	first, err := engine.Execute(ctx, repoQuery())
	require.NoError(t, err)
	first.Entities[0].Label = "mutated by caller"

	second, err := engine.Execute(ctx, repoQuery())
	require.NoError(t, err)
	assert.Equal(t, "API", second.Entities[0].Label, "cached results are copies")
}

func TestEngine_Execute_CacheDisabledByDefault(t *testing.T) {
	engine, store := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := engine.Execute(ctx, repoQuery())
	require.NoError(t, err)

	node := graph.NewNode(graph.EntityRepository, "new", "platform", "New")
	_, _, err = store.PutNode(ctx, node)
	require.NoError(t, err)

	result, err := engine.Execute(ctx, repoQuery())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Total, "no cache, every execution sees the store")
	assert.False(t, result.Metadata.CacheHit)
}

func TestEngine_Execute_CancelledContext(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Execute(ctx, repoQuery())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestEngine_Execute_MetadataPopulated(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	q := repoQuery()
	q.Filters = []Filter{{Field: "stars", Op: OpGT, Value: 0}}
	q.Relationships = []RelationshipSpec{
		{Type: graph.EdgeUses, Direction: DirectionOutbound, Depth: 2},
	}
	result, err := engine.Execute(ctx, q)
	require.NoError(t, err)

	md := result.Metadata
	assert.Equal(t, []string{"repository"}, md.EntityTypesQueried)
	assert.Equal(t, 1, md.FiltersApplied)
	assert.Equal(t, 1, md.RelationshipsTraversed)
	assert.Equal(t, 1, md.MaxDepthReached, "technologies have no outgoing edges past depth 1")
	assert.GreaterOrEqual(t, md.ExecutionTimeMS, 0.0)
	assert.False(t, md.Truncated)
}
