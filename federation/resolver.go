package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/metric"
)

// Federation query directions relative to the queried project.
const (
	DirectionSource = "source"
	DirectionTarget = "target"
	DirectionBoth   = "both"
)

// QueryRequest selects the links touching one project.
type QueryRequest struct {
	ProjectID string `json:"project_id"`
	// Direction restricts to links where the project is the source, the
	// target, or either. Empty means both.
	Direction string   `json:"direction,omitempty"`
	LinkTypes []string `json:"link_types,omitempty"`
}

// NodeRef names a link endpoint that did not resolve to a stored node.
type NodeRef struct {
	ProjectID string `json:"project_id"`
	NodeID    string `json:"node_id"`
}

// QueryResult carries the links touching a project, the materialized
// cross-project edges, and the endpoint nodes that resolved. Endpoints
// missing from their graph are reported in Unresolved, not errored.
type QueryResult struct {
	ProjectID  string        `json:"project_id"`
	Links      []*Link       `json:"links"`
	Nodes      []*graph.Node `json:"nodes"`
	Edges      []*graph.Edge `json:"edges"`
	Unresolved []NodeRef     `json:"unresolved,omitempty"`
}

// Deps carries the resolver's collaborators.
type Deps struct {
	Links LinkStore
	Graph graph.Reader
	// Emitter publishes edge.created for every registered link. Nil
	// disables emission.
	Emitter graph.Emitter
	// KnownProjects are accepted as link endpoints even before any node
	// of theirs reaches the graph store.
	KnownProjects []string
	Registry      *metric.Registry
	Logger        *slog.Logger
}

// Resolver registers cross-project links and answers federation queries.
type Resolver struct {
	links   LinkStore
	graph   graph.Reader
	emitter graph.Emitter
	known   map[string]bool
	logger  *slog.Logger
	metrics *resolverMetrics
}

// NewResolver wires a resolver from its dependencies.
func NewResolver(deps Deps) (*Resolver, error) {
	if deps.Links == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("link store is required"),
			"Resolver", "New", "check dependencies")
	}
	if deps.Graph == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("graph reader is required"),
			"Resolver", "New", "check dependencies")
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = graph.NopEmitter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newResolverMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Resolver", "New", "register metrics")
	}

	known := make(map[string]bool, len(deps.KnownProjects))
	for _, id := range deps.KnownProjects {
		known[id] = true
	}
	return &Resolver{
		links:   deps.Links,
		graph:   deps.Graph,
		emitter: emitter,
		known:   known,
		logger:  logger.With("component", "federation_resolver"),
		metrics: metrics,
	}, nil
}

// Register validates and stores a link, then emits one edge.created event
// scoped to the source project. Re-registering an existing identity
// replaces the weight; the event is emitted either way so subscribers see
// the new weight.
func (r *Resolver) Register(ctx context.Context, link *Link) (*Link, bool, error) {
	if link == nil {
		return nil, false, errors.WrapInvalid(
			fmt.Errorf("link is nil"),
			"Resolver", "Register", "check link")
	}
	if err := link.Validate(); err != nil {
		return nil, false, err
	}
	if err := r.requireKnown(ctx, "register", link.SourceProject, link.TargetProject); err != nil {
		return nil, false, err
	}

	stored, created, err := r.links.Upsert(ctx, link)
	if err != nil {
		return nil, false, errors.Wrap(err, "Resolver", "Register", "store link")
	}

	r.emitter.Emit(ctx, graph.NewEdgeCreated(stored.Edge()))
	r.metrics.recordLink(created)
	r.logger.Debug("registered federation link",
		"identity", stored.Identity(),
		"created", created)
	return stored, created, nil
}

// Query returns the links touching a project together with the
// materialized edges and resolved endpoint nodes.
func (r *Resolver) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	start := time.Now()

	direction := req.Direction
	if direction == "" {
		direction = DirectionBoth
	}
	switch direction {
	case DirectionSource, DirectionTarget, DirectionBoth:
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("direction %q must be %q, %q or %q",
				req.Direction, DirectionSource, DirectionTarget, DirectionBoth),
			"Resolver", "Query", "check direction")
	}
	if !graph.ValidProjectID(req.ProjectID) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid project id %q", req.ProjectID),
			"Resolver", "Query", "check project id")
	}
	if err := r.requireKnown(ctx, "query", req.ProjectID); err != nil {
		return nil, err
	}

	all, err := r.links.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Resolver", "Query", "list links")
	}

	// Accept link types with or without the "federation:" prefix.
	var wanted map[string]bool
	if len(req.LinkTypes) > 0 {
		wanted = make(map[string]bool, len(req.LinkTypes))
		for _, t := range req.LinkTypes {
			raw, _ := strings.CutPrefix(t, graph.FederationEdgePrefix)
			wanted[raw] = true
		}
	}

	result := &QueryResult{
		ProjectID: req.ProjectID,
		Links:     []*Link{},
		Nodes:     []*graph.Node{},
		Edges:     []*graph.Edge{},
	}
	seenNodes := make(map[string]bool)
	seenMissing := make(map[string]bool)

	for _, link := range all {
		if !touchesProject(link, req.ProjectID, direction) {
			continue
		}
		if wanted != nil && !wanted[link.LinkType] {
			continue
		}
		result.Links = append(result.Links, link)
		result.Edges = append(result.Edges, link.Edge())

		for _, ref := range []NodeRef{
			{ProjectID: link.SourceProject, NodeID: link.FromNodeID()},
			{ProjectID: link.TargetProject, NodeID: link.ToNodeID()},
		} {
			key := ref.ProjectID + "/" + ref.NodeID
			if seenNodes[key] || seenMissing[key] {
				continue
			}
			node, err := r.graph.GetNode(ctx, ref.ProjectID, ref.NodeID)
			switch {
			case err == nil:
				seenNodes[key] = true
				result.Nodes = append(result.Nodes, node)
			case errors.IsNotFound(err):
				seenMissing[key] = true
				result.Unresolved = append(result.Unresolved, ref)
			default:
				return nil, errors.Wrap(err, "Resolver", "Query", "resolve endpoint")
			}
		}
	}

	sort.Slice(result.Nodes, func(i, j int) bool {
		a, b := result.Nodes[i], result.Nodes[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		return a.ID < b.ID
	})
	sort.Slice(result.Unresolved, func(i, j int) bool {
		a, b := result.Unresolved[i], result.Unresolved[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		return a.NodeID < b.NodeID
	})

	r.metrics.recordQuery(len(result.Unresolved))
	if len(result.Unresolved) > 0 {
		r.logger.Warn("federation links reference missing nodes",
			"project_id", req.ProjectID,
			"unresolved", len(result.Unresolved))
	}
	r.logger.Debug("federation query",
		"project_id", req.ProjectID,
		"direction", direction,
		"links", len(result.Links),
		"duration", time.Since(start))
	return result, nil
}

// requireKnown rejects project ids that are neither configured nor
// present in the graph store.
func (r *Resolver) requireKnown(ctx context.Context, op string, projectIDs ...string) error {
	var stored map[string]bool
	for _, id := range projectIDs {
		if r.known[id] {
			continue
		}
		if stored == nil {
			projects, err := r.graph.Projects(ctx)
			if err != nil {
				return errors.Wrap(err, "Resolver", "requireKnown", "list projects")
			}
			stored = make(map[string]bool, len(projects))
			for _, p := range projects {
				stored[p] = true
			}
		}
		if !stored[id] {
			return newError(op,
				fmt.Sprintf("unknown project %q", id),
				errors.ErrUnknownProject)
		}
	}
	return nil
}

func touchesProject(link *Link, projectID, direction string) bool {
	switch direction {
	case DirectionSource:
		return link.SourceProject == projectID
	case DirectionTarget:
		return link.TargetProject == projectID
	default:
		return link.SourceProject == projectID || link.TargetProject == projectID
	}
}
