// Package main implements the entry point for the latticed server.
// Lattice is the backend of a multi-project engineering dashboard: a
// composable graph query engine over a project-partitioned knowledge
// graph, with real-time synchronization over SSE and WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/latticeworks/lattice/affordance"
	"github.com/latticeworks/lattice/config"
	"github.com/latticeworks/lattice/federation"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/natsclient"
	"github.com/latticeworks/lattice/query"
	"github.com/latticeworks/lattice/service"
	"github.com/latticeworks/lattice/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "latticed"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	configMgr, cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid",
			"path", cliCfg.ConfigPath, "config_version", cfg.Version)
		return nil
	}

	logger = resolveLogging(cliCfg, cfg)

	// Watch the config file for hot reloads
	ctx := context.Background()
	if err := configMgr.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configMgr.Stop(5 * time.Second)

	var registry *metric.Registry
	if cfg.Metrics.Enabled {
		registry = metric.NewRegistry()
	}

	var natsClient *natsclient.Client
	if cliCfg.Standalone {
		slog.Info("Running standalone: no NATS, in-memory stores, local event bus")
	} else {
		natsClient, err = connectNATS(ctx, cfg, registry)
		if err != nil {
			return err
		}
		defer natsClient.Close(ctx)
	}

	// Assemble the domain stack shared by every service
	deps, cleanup, err := buildDependencies(cfg, configMgr, natsClient, registry, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	manager, err := createServices(cfg, deps)
	if err != nil {
		return err
	}

	// Run application with signal handling
	return runWithSignalHandling(ctx, manager, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up bootstrap logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Lattice (graph query and synchronization platform)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates the configuration file.
// The returned manager is created but not yet watching.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(cliCfg.ConfigPath, config.WithLogger(slog.Default()))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return configMgr, configMgr.Config().Get(), nil
}

// resolveLogging rebuilds the default logger once the config is known.
// Flags and environment win; the config's logging section fills whichever
// of level and format was not given on the command line.
func resolveLogging(cliCfg *CLIConfig, cfg *config.Config) *slog.Logger {
	if cliCfg.LogLevel != "" && cliCfg.LogFormat != "" {
		return slog.Default()
	}

	level := cliCfg.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	format := cliCfg.LogFormat
	if format == "" {
		format = cfg.Logging.Format
	}

	logger := setupLogger(level, format)
	slog.SetDefault(logger)
	return logger
}

// connectNATS creates the NATS client from config, establishes the
// connection and waits for it to be ready.
func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.Registry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithSlog(slog.Default()),
	}
	if d := cfg.NATS.ReconnectWait.Std(); d > 0 {
		opts = append(opts, natsclient.WithReconnectWait(d))
	}
	if d := cfg.NATS.PingInterval.Std(); d > 0 {
		opts = append(opts, natsclient.WithPingInterval(d))
	}
	if d := cfg.NATS.ConnectTimeout.Std(); d > 0 {
		opts = append(opts, natsclient.WithTimeout(d))
	}
	if cfg.NATS.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.NATS.Name))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	} else if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry))
	}

	natsClient, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	wait := cfg.NATS.ConnectTimeout.Std()
	if wait <= 0 {
		wait = 10 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return natsClient, nil
}

// buildDependencies assembles the graph store and manager, query engine,
// federation resolver and affordance executor shared by every service.
// The returned cleanup closes whatever the stack opened.
func buildDependencies(
	cfg *config.Config,
	configMgr *config.Manager,
	natsClient *natsclient.Client,
	registry *metric.Registry,
	logger *slog.Logger,
) (*service.Dependencies, func(), error) {
	cleanup := func() {}

	store, emitter, bus, err := buildGraphStack(cfg, natsClient, registry, logger)
	if err != nil {
		return nil, cleanup, err
	}
	graphMgr := graph.NewManager(store, emitter, logger)

	engine, err := query.NewEngine(query.Deps{
		Store: store,
		Config: query.Config{
			MaxTraversalNodes: cfg.Graph.MaxTraversalNodes,
			CacheTTL:          cfg.Query.CacheTTL.Std(),
			CacheSize:         cfg.Query.CacheSize,
		},
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("create query engine: %w", err)
	}

	links, closeLinks, err := buildLinkStore(cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = func() {
		if err := closeLinks(); err != nil {
			logger.Warn("link store close failed", "error", err)
		}
	}

	resolver, err := federation.NewResolver(federation.Deps{
		Links:         links,
		Graph:         store,
		Emitter:       emitter,
		KnownProjects: cfg.Federation.KnownProjects,
		Registry:      registry,
		Logger:        logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("create federation resolver: %w", err)
	}

	executor, err := affordance.NewExecutor(affordance.Options{
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("create affordance executor: %w", err)
	}
	if err := registerActions(executor, graphMgr); err != nil {
		return nil, cleanup, fmt.Errorf("register actions: %w", err)
	}

	return &service.Dependencies{
		Config:    cfg,
		ConfigMgr: configMgr,
		NATS:      natsClient,
		Registry:  registry,
		Logger:    logger,
		Graph:     graphMgr,
		Engine:    engine,
		Resolver:  resolver,
		Executor:  executor,
		Bus:       bus,
	}, cleanup, nil
}

// buildGraphStack selects the graph store backend and the event path.
// With NATS, mutations publish to graph.events.* subjects and the
// transports subscribe through a NATS-backed bus. Standalone keeps both
// sides on one in-process bus.
func buildGraphStack(
	cfg *config.Config,
	natsClient *natsclient.Client,
	registry *metric.Registry,
	logger *slog.Logger,
) (graph.Store, graph.Emitter, transport.Bus, error) {
	var store graph.Store
	switch cfg.Graph.Storage {
	case config.GraphStorageMemory:
		store = graph.NewMemoryStore()
	case config.GraphStorageKV:
		if natsClient == nil {
			return nil, nil, nil, fmt.Errorf("graph.storage %q requires NATS; standalone mode supports %q only",
				config.GraphStorageKV, config.GraphStorageMemory)
		}
		kv, err := graph.NewKVStore(natsClient, graph.KVConfig{
			NodesBucket: cfg.Graph.NodesBucket,
			EdgesBucket: cfg.Graph.EdgesBucket,
			TTL:         cfg.Graph.BucketTTL.Std(),
			History:     cfg.Graph.BucketHistory,
			Replicas:    cfg.Graph.BucketReplicas,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create KV graph store: %w", err)
		}
		store = kv
	default:
		return nil, nil, nil, fmt.Errorf("unknown graph storage %q", cfg.Graph.Storage)
	}

	if natsClient == nil {
		local := transport.NewLocalBus()
		return store, local, local, nil
	}
	emitter := graph.NewNATSEmitter(natsClient, logger).WithMetrics(registry)
	return store, emitter, transport.NewNATSBus(natsClient), nil
}

// buildLinkStore opens the federation link store. The second return value
// closes it; memory stores close to a no-op.
func buildLinkStore(cfg *config.Config, logger *slog.Logger) (federation.LinkStore, func() error, error) {
	if cfg.Federation.Store == config.FederationStoreBadger {
		store, err := federation.NewBadgerStore(federation.BadgerConfig{
			Dir: cfg.Federation.DataDir,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open federation link store: %w", err)
		}
		return store, store.Close, nil
	}
	return federation.NewMemoryStore(), func() error { return nil }, nil
}

// registerActions installs the built-in affordances. invalidate_project
// marks a project stale on the event stream so every connected client
// refetches its snapshot.
func registerActions(executor *affordance.Executor, graphMgr *graph.Manager) error {
	return executor.Register("invalidate_project",
		func(ctx context.Context, action affordance.Action) (*affordance.Result, error) {
			projectID, _ := strings.CutPrefix(action.Target, "project:")
			reason, _ := action.Parameters["reason"].(string)
			if reason == "" {
				reason = "manual invalidation"
			}

			if err := graphMgr.Invalidate(ctx, projectID, reason); err != nil {
				return nil, err
			}
			return &affordance.Result{
				Type:    affordance.ResultTriggered,
				Target:  projectID,
				Message: fmt.Sprintf("project %s marked stale", projectID),
			}, nil
		})
}

// createServices registers the constructors for this deployment mode and
// creates every service through the manager. The ingest service needs
// NATS subjects to consume, so it only runs when a client is present.
// The metrics service only runs with a dedicated bind address; otherwise
// the manager serves /metrics on the API listener.
func createServices(cfg *config.Config, deps *service.Dependencies) (*service.Manager, error) {
	registry := service.NewServiceRegistry()

	if err := registry.Register("graph-api", func(deps *service.Dependencies) (service.Service, error) {
		return service.NewGraphAPI(deps)
	}); err != nil {
		return nil, fmt.Errorf("register graph-api: %w", err)
	}

	if deps.NATS != nil {
		if err := registry.Register("graph-ingest", func(deps *service.Dependencies) (service.Service, error) {
			return service.NewIngestService(deps)
		}); err != nil {
			return nil, fmt.Errorf("register graph-ingest: %w", err)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Bind != "" {
		if err := registry.Register("metrics", func(deps *service.Dependencies) (service.Service, error) {
			return service.NewMetrics(deps)
		}); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	manager, err := service.NewManager(registry, deps)
	if err != nil {
		return nil, fmt.Errorf("create service manager: %w", err)
	}
	if err := manager.CreateAll(); err != nil {
		return nil, fmt.Errorf("create services: %w", err)
	}

	services := registry.Services()
	slog.Info("services created", "count", len(services), "services", services)
	return manager, nil
}

// runWithSignalHandling starts services and handles shutdown signals
func runWithSignalHandling(ctx context.Context, manager *service.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("Lattice started", "addr", manager.Addr())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := manager.StopAll(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Lattice shutdown complete")
	return nil
}
