package service

import (
	"log/slog"

	"github.com/latticeworks/lattice/affordance"
	"github.com/latticeworks/lattice/config"
	"github.com/latticeworks/lattice/federation"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/natsclient"
	"github.com/latticeworks/lattice/query"
	"github.com/latticeworks/lattice/transport"
)

// Dependencies contains the shared components injected into every
// service constructor. The Manager owns one instance and passes it to
// each Constructor; services pick out what they need and ignore the
// rest.
type Dependencies struct {
	// Config is the active configuration snapshot.
	Config *config.Config

	// ConfigMgr provides hot-reload subscriptions. Nil when the
	// process runs without a watched config file.
	ConfigMgr *config.Manager

	// NATS is the shared NATS connection. Nil in offline mode.
	NATS *natsclient.Client

	// Registry is the Prometheus metric registry. Nil disables metrics.
	Registry *metric.Registry

	// Logger is the process root logger.
	Logger *slog.Logger

	// Graph is the project graph store manager.
	Graph *graph.Manager

	// Engine executes composed graph queries.
	Engine *query.Engine

	// Resolver answers cross-project federation queries.
	Resolver *federation.Resolver

	// Executor dispatches affordance actions.
	Executor *affordance.Executor

	// Bus carries graph change events to the streaming transports.
	Bus transport.Bus
}

// Constructor creates a service from the shared dependencies.
type Constructor func(deps *Dependencies) (Service, error)
