package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/latticeworks/lattice/affordance"
	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/federation"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/query"
)

// decodeJSON decodes the request body into v. A body over the size cap
// surfaces as *http.MaxBytesError and keeps its classification.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if stderrors.As(err, &maxBytes) {
			return err
		}
		return errors.WrapInvalid(err, "GraphAPI", "readBody", "decode JSON")
	}
	return nil
}

// handleQuery executes a ComposedQuery body.
func (s *GraphAPI) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q query.ComposedQuery
	if err := decodeJSON(r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.Execute(r.Context(), &q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleParse parses loose query input (text, structured JSON, GraphQL),
// executes it, and echoes the normalized query in the result metadata.
func (s *GraphAPI) handleParse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query json.RawMessage `json:"query"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.Query) == 0 || string(body.Query) == "null" {
		s.writeError(w, r, &query.ParseError{Reason: "query is required", Position: -1})
		return
	}

	var input any
	var text string
	if err := json.Unmarshal(body.Query, &text); err == nil {
		input = text
	} else {
		input = body.Query
	}

	parsed, err := query.Parse(input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.Execute(r.Context(), parsed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result.Metadata.ParsedQuery = parsed
	s.writeJSON(w, http.StatusOK, result)
}

// projectGraphFacets are the optional filters on GET /projects/{id}.
type projectGraphFacets struct {
	languages    []string
	filePaths    []string
	symbolKinds  []string
	serviceTypes []string
}

func (f *projectGraphFacets) empty() bool {
	return len(f.languages) == 0 && len(f.filePaths) == 0 &&
		len(f.symbolKinds) == 0 && len(f.serviceTypes) == 0
}

// keep reports whether a node passes the facets. Facets only constrain
// the entity types they describe; everything else passes through.
func (f *projectGraphFacets) keep(n *graph.Node) bool {
	switch n.EntityType {
	case graph.EntityFile:
		return matchAnyFold(f.languages, metaString(n, "language")) &&
			matchAnyGlob(f.filePaths, n.EntityID)
	case graph.EntitySymbol:
		return matchAnyFold(f.languages, metaString(n, "language")) &&
			matchAnyFold(f.symbolKinds, metaString(n, "kind"))
	case graph.EntityService:
		return matchAnyFold(f.serviceTypes, metaString(n, "service_type"))
	default:
		return true
	}
}

// handleProjectGraph returns a project's graph neighborhood: the
// project node plus everything within depth hops, filtered by the
// facet parameters.
func (s *GraphAPI) handleProjectGraph(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	params := r.URL.Query()

	depth := 1
	if raw := params.Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, &query.ValidationError{
				Field: "depth", Reason: "must be a non-negative integer"})
			return
		}
		depth = d
	}

	facets := projectGraphFacets{
		languages:    facetValues(params, "languages"),
		filePaths:    facetValues(params, "file_paths"),
		symbolKinds:  facetValues(params, "symbol_kinds"),
		serviceTypes: facetValues(params, "service_types"),
	}
	for _, pattern := range facets.filePaths {
		if !doublestar.ValidatePattern(pattern) {
			s.writeError(w, r, &query.ValidationError{
				Field: "file_paths", Reason: fmt.Sprintf("invalid glob %q", pattern)})
			return
		}
	}

	projects, err := s.store.Projects(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !slices.Contains(projects, projectID) {
		s.writeError(w, r, fmt.Errorf("%w: %q", errors.ErrProjectNotFound, projectID))
		return
	}

	composed := &query.ComposedQuery{
		Entities: []query.EntitySelector{{Type: graph.EntityProject, Scope: projectID}},
	}
	if depth > 0 {
		composed.Relationships = []query.RelationshipSpec{{
			Direction: query.DirectionBoth,
			Depth:     depth,
		}}
	}

	result, err := s.engine.Execute(r.Context(), composed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nodes := result.Entities
	if !facets.empty() {
		nodes = make([]*graph.Node, 0, len(result.Entities))
		for _, n := range result.Entities {
			if facets.keep(n) {
				nodes = append(nodes, n)
			}
		}
	}

	surviving := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		surviving[n.ID] = true
	}
	edges := make([]*graph.Edge, 0, len(result.Relationships))
	for _, e := range result.Relationships {
		if surviving[e.From] && surviving[e.To] {
			edges = append(edges, e)
		}
	}

	s.writeJSON(w, http.StatusOK, projectGraphResponse{
		Nodes:    nodes,
		Edges:    edges,
		Metadata: result.Metadata,
	})
}

// handleDependencies walks the dependency closure of one symbol over
// uses/calls/references edges.
func (s *GraphAPI) handleDependencies(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("symbolID")
	nodeID := raw
	if _, _, ok := graph.SplitNodeID(raw); !ok {
		nodeID = graph.NodeID(graph.EntitySymbol, raw)
	}

	projectID, err := s.dependencyProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = "downstream"
	}
	switch direction {
	case "downstream", "upstream", "both":
	default:
		s.writeError(w, r, &query.ValidationError{
			Field: "direction", Reason: "must be upstream, downstream or both"})
		return
	}

	depth := 1
	if rawDepth := r.URL.Query().Get("depth"); rawDepth != "" {
		d, err := strconv.Atoi(rawDepth)
		if err != nil || d < 1 {
			s.writeError(w, r, &query.ValidationError{
				Field: "depth", Reason: "must be a positive integer"})
			return
		}
		depth = d
	}
	if depth > query.MaxDepth {
		s.writeError(w, r, &query.ValidationError{
			Field: "depth", Reason: fmt.Sprintf("depth %d exceeds maximum %d", depth, query.MaxDepth)})
		return
	}

	root, err := s.store.GetNode(r.Context(), projectID, nodeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nodes, edges, depthReached, err := s.walkDependencies(
		r.Context(), projectID, root, direction, depth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, dependenciesResponse{
		Nodes:        nodes,
		Edges:        edges,
		DepthReached: depthReached,
	})
}

// dependencyProject resolves which project to traverse: the implicit
// scope when present, the project_id parameter otherwise. A parameter
// conflicting with the scope is rejected.
func (s *GraphAPI) dependencyProject(r *http.Request) (string, error) {
	param := r.URL.Query().Get("project_id")
	scope, hasScope := graph.ProjectScope(r.Context())
	if hasScope {
		if param != "" && param != scope {
			return "", &query.ValidationError{
				Field: "project_id", Reason: "conflicts with project scope"}
		}
		return scope, nil
	}
	if param == "" {
		return "", &query.ValidationError{
			Field: "project_id", Reason: "required when no project scope is set"}
	}
	return param, nil
}

// walkDependencies runs a breadth-first traversal over dependency
// edges. depthReached is the deepest level at which a new node was
// discovered; the traversal stops quietly at the node budget.
func (s *GraphAPI) walkDependencies(
	ctx context.Context,
	projectID string,
	root *graph.Node,
	direction string,
	depth int,
) ([]*graph.Node, []*graph.Edge, int, error) {
	dependencyEdges := map[graph.EdgeType]bool{
		graph.EdgeUses:       true,
		graph.EdgeCalls:      true,
		graph.EdgeReferences: true,
	}

	type hop struct {
		list     func(context.Context, string, string) ([]*graph.Edge, error)
		neighbor func(*graph.Edge) string
	}
	var hops []hop
	if direction == "downstream" || direction == "both" {
		hops = append(hops, hop{s.store.Outgoing, func(e *graph.Edge) string { return e.To }})
	}
	if direction == "upstream" || direction == "both" {
		hops = append(hops, hop{s.store.Incoming, func(e *graph.Edge) string { return e.From }})
	}

	budget := s.config.Graph.MaxTraversalNodes
	if budget <= 0 {
		budget = 10000
	}

	visited := map[string]bool{root.ID: true}
	nodes := []*graph.Node{root}
	edges := make([]*graph.Edge, 0)
	seenEdges := make(map[string]bool)
	frontier := []string{root.ID}
	depthReached := 0

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			for _, h := range hops {
				candidates, err := h.list(ctx, projectID, id)
				if err != nil {
					return nil, nil, 0, err
				}
				for _, e := range candidates {
					if !dependencyEdges[e.Type] {
						continue
					}
					neighbor := h.neighbor(e)
					if !visited[neighbor] {
						if len(nodes) >= budget {
							continue
						}
						n, err := s.store.GetNode(ctx, projectID, neighbor)
						if err != nil {
							if errors.IsNotFound(err) {
								continue // dangling edge
							}
							return nil, nil, 0, err
						}
						visited[neighbor] = true
						nodes = append(nodes, n)
						next = append(next, neighbor)
						if level > depthReached {
							depthReached = level
						}
					}
					key := e.Key()
					if !seenEdges[key] {
						seenEdges[key] = true
						edges = append(edges, e)
					}
				}
			}
		}
		frontier = next
	}

	return nodes, edges, depthReached, nil
}

// handleSearch runs a case-insensitive substring search over symbols,
// files and tasks.
func (s *GraphAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		Scope string `json:"scope,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		s.writeError(w, r, &query.ValidationError{Field: "query", Reason: "must not be empty"})
		return
	}

	scope := body.Scope
	if ctxScope, hasScope := graph.ProjectScope(r.Context()); hasScope {
		if scope != "" && scope != ctxScope {
			s.writeError(w, r, &query.ValidationError{
				Field: "scope", Reason: "conflicts with project scope"})
			return
		}
		scope = ctxScope
	}

	var projects []string
	if scope != "" {
		projects = []string{scope}
	} else {
		var err error
		projects, err = s.store.Projects(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	needle := strings.ToLower(body.Query)
	resp := searchResponse{
		Symbols: make([]*graph.Node, 0),
		Files:   make([]*graph.Node, 0),
		Tasks:   make([]*graph.Node, 0),
	}
	searchTypes := []graph.EntityType{graph.EntitySymbol, graph.EntityFile, graph.EntityTask}

	for _, project := range projects {
		found, err := s.store.ListNodes(r.Context(), project, searchTypes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, n := range found {
			if !nodeMatches(n, needle) {
				continue
			}
			switch n.EntityType {
			case graph.EntitySymbol:
				resp.Symbols = append(resp.Symbols, n)
			case graph.EntityFile:
				resp.Files = append(resp.Files, n)
			case graph.EntityTask:
				resp.Tasks = append(resp.Tasks, n)
			}
		}
	}

	resp.Total = len(resp.Symbols) + len(resp.Files) + len(resp.Tasks)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleFederationQuery answers a cross-project link query.
func (s *GraphAPI) handleFederationQuery(w http.ResponseWriter, r *http.Request) {
	var req federation.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.resolver.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRegisterLink registers a cross-project link from URL query
// parameters. Created links answer 201, weight updates answer 200.
func (s *GraphAPI) handleRegisterLink(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	link := &federation.Link{
		SourceProject: params.Get("source_project_id"),
		TargetProject: params.Get("target_project_id"),
		FromID:        params.Get("from_id"),
		ToID:          params.Get("to_id"),
		LinkType:      params.Get("link_type"),
	}

	if raw := params.Get("from_entity"); raw != "" {
		et, ok := graph.ParseEntityType(raw)
		if !ok {
			s.writeError(w, r, &query.ValidationError{
				Field: "from_entity", Reason: fmt.Sprintf("unknown entity type %q", raw)})
			return
		}
		link.FromEntity = et
	}
	if raw := params.Get("to_entity"); raw != "" {
		et, ok := graph.ParseEntityType(raw)
		if !ok {
			s.writeError(w, r, &query.ValidationError{
				Field: "to_entity", Reason: fmt.Sprintf("unknown entity type %q", raw)})
			return
		}
		link.ToEntity = et
	}
	if raw := params.Get("weight"); raw != "" {
		weight, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, r, &query.ValidationError{
				Field: "weight", Reason: "must be a number"})
			return
		}
		link.Weight = &weight
	}

	registered, created, err := s.resolver.Register(r.Context(), link)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, registerLinkResponse{Link: registered, Created: created})
}

// handleAction dispatches an affordance action.
func (s *GraphAPI) handleAction(w http.ResponseWriter, r *http.Request) {
	var action affordance.Action
	if err := decodeJSON(r, &action); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.executor.Execute(r.Context(), action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// facetValues collects a multi-value parameter, accepting both repeated
// keys and comma-separated lists.
func facetValues(params url.Values, key string) []string {
	var out []string
	for _, raw := range params[key] {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func matchAnyFold(wanted []string, v string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if strings.EqualFold(w, v) {
			return true
		}
	}
	return false
}

func matchAnyGlob(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

func metaString(n *graph.Node, key string) string {
	if v, ok := n.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func nodeMatches(n *graph.Node, needle string) bool {
	if strings.Contains(strings.ToLower(n.Label), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(n.EntityID), needle) {
		return true
	}
	for _, v := range n.Metadata {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

type projectGraphResponse struct {
	Nodes    []*graph.Node        `json:"nodes"`
	Edges    []*graph.Edge        `json:"edges"`
	Metadata query.ResultMetadata `json:"metadata"`
}

type dependenciesResponse struct {
	Nodes        []*graph.Node `json:"nodes"`
	Edges        []*graph.Edge `json:"edges"`
	DepthReached int           `json:"depth_reached"`
}

type searchResponse struct {
	Symbols []*graph.Node `json:"symbols"`
	Files   []*graph.Node `json:"files"`
	Tasks   []*graph.Node `json:"tasks"`
	Total   int           `json:"total"`
}

type registerLinkResponse struct {
	Link    *federation.Link `json:"link"`
	Created bool             `json:"created"`
}
