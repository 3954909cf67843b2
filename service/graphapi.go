package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/latticeworks/lattice/affordance"
	"github.com/latticeworks/lattice/config"
	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/federation"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/health"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/query"
	"github.com/latticeworks/lattice/transport"
)

// GraphAPI is the HTTP surface of the graph engine: composed queries,
// per-project graph reads, dependency traversals, search, federation,
// affordance actions, and the two streaming transports. It mounts at
// the server root.
type GraphAPI struct {
	*BaseService

	store    graph.Reader
	engine   *query.Engine
	resolver *federation.Resolver
	executor *affordance.Executor
	sse      *transport.SSEHandler
	ws       *transport.WSServer

	// limiter throttles the query-shaped endpoints. Nil disables
	// throttling.
	limiter   *rate.Limiter
	configMgr *config.Manager

	maxBody int64
	cors    []string
	metrics *apiMetrics
}

// NewGraphAPI wires the API service from the shared dependencies.
func NewGraphAPI(deps *Dependencies) (*GraphAPI, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("dependencies with config are required"),
			"GraphAPI", "New", "check dependencies")
	}
	if deps.Engine == nil || deps.Resolver == nil || deps.Executor == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("engine, resolver and executor are required"),
			"GraphAPI", "New", "check dependencies")
	}
	if deps.Graph == nil || deps.Bus == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("graph manager and event bus are required"),
			"GraphAPI", "New", "check dependencies")
	}

	cfg := deps.Config

	sse, err := transport.NewSSEHandler(transport.SSEDeps{
		Bus: deps.Bus,
		Options: transport.SSEOptions{
			Retry:             cfg.Transports.SSE.Retry.Std(),
			HeartbeatInterval: cfg.Transports.SSE.HeartbeatInterval.Std(),
			QueueSize:         cfg.Transports.SSE.QueueSize,
		},
		Registry: deps.Registry,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	ws, err := transport.NewWSServer(transport.WSDeps{
		Bus: deps.Bus,
		Options: transport.WSOptions{
			PingInterval:   cfg.Transports.WebSocket.PingInterval.Std(),
			WriteTimeout:   cfg.Transports.WebSocket.WriteTimeout.Std(),
			QueueSize:      cfg.Transports.WebSocket.QueueSize,
			ReadLimit:      cfg.Transports.WebSocket.ReadLimit,
			AllowedOrigins: cfg.Server.CORSOrigins,
		},
		Registry: deps.Registry,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.Query.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Query.RateLimit), cfg.Query.RateBurst)
	}

	metrics, err := newAPIMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "GraphAPI", "New", "register metrics")
	}

	s := &GraphAPI{
		store:     deps.Graph.Store(),
		engine:    deps.Engine,
		resolver:  deps.Resolver,
		executor:  deps.Executor,
		sse:       sse,
		ws:        ws,
		limiter:   limiter,
		configMgr: deps.ConfigMgr,
		maxBody:   cfg.Server.MaxRequestSize,
		cors:      cfg.Server.CORSOrigins,
		metrics:   metrics,
	}
	s.BaseService = NewBaseService("graph-api", cfg,
		WithLogger(deps.Logger),
		WithMetrics(deps.Registry),
		WithNATS(deps.NATS),
	)
	return s, nil
}

// Start starts the service and, when a config manager is present, the
// rate limit watcher.
func (s *GraphAPI) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}

	if s.configMgr != nil && s.limiter != nil {
		s.waitGroup.Add(1)
		go s.watchConfig()
	}
	return nil
}

// Health augments the base health with streaming-client counts and
// refreshes the stream gauges on every poll.
func (s *GraphAPI) Health() health.Status {
	status := s.BaseService.Health()

	sseClients, wsClients := s.sse.ClientCount(), s.ws.ClientCount()
	if total := sseClients + wsClients; total > 0 {
		status.Message = fmt.Sprintf("%s (%d streaming)", status.Message, total)
	}
	if s.registry != nil {
		core := s.registry.CoreMetrics()
		core.RecordStreamClients(s.name, "sse", sseClients)
		core.RecordStreamClients(s.name, "websocket", wsClients)
	}
	return status
}

// Stop closes the WebSocket server before stopping the base service so
// connected clients get close frames during the drain window.
func (s *GraphAPI) Stop(timeout time.Duration) error {
	if err := s.ws.Close(); err != nil {
		s.logger.Warn("websocket close failed", "error", err)
	}
	return s.BaseService.Stop(timeout)
}

// watchConfig applies query.* config updates to the live rate limiter.
func (s *GraphAPI) watchConfig() {
	defer s.waitGroup.Done()

	updates := s.configMgr.OnChange("query.*")
	for {
		select {
		case <-s.done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			q := update.Config.Get().Query
			if q.RateLimit <= 0 {
				s.limiter.SetLimit(rate.Inf)
			} else {
				s.limiter.SetLimit(rate.Limit(q.RateLimit))
			}
			if q.RateBurst > 0 {
				s.limiter.SetBurst(q.RateBurst)
			}
			s.logger.Info("rate limit updated",
				"rate", q.RateLimit, "burst", q.RateBurst)
		}
	}
}

// RegisterHTTPHandlers mounts the API routes. Query-shaped endpoints
// go through the rate limiter; streaming endpoints skip the JSON
// middleware because they hijack or flush the connection.
func (s *GraphAPI) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.Handle("POST "+prefix+"query", s.limited(s.handleQuery))
	mux.Handle("POST "+prefix+"query/parse", s.limited(s.handleParse))
	mux.Handle("GET "+prefix+"projects/{id}", s.limited(s.handleProjectGraph))
	mux.Handle("GET "+prefix+"dependencies/{symbolID}", s.limited(s.handleDependencies))
	mux.Handle("POST "+prefix+"search", s.limited(s.handleSearch))

	mux.Handle("POST "+prefix+"federation/query", s.wrap(s.handleFederationQuery))
	mux.Handle("POST "+prefix+"federation/links", s.wrap(s.handleRegisterLink))
	mux.Handle("POST "+prefix+"actions", s.wrap(s.handleAction))

	mux.Handle("GET "+prefix+"events/stream", s.stream(s.sse))
	mux.Handle("GET "+prefix+"ws/graph", s.stream(s.ws))

	mux.HandleFunc("OPTIONS "+prefix, s.handlePreflight)
}

// apiMetrics holds the request-level Prometheus metrics. A nil receiver
// disables recording.
type apiMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	throttled prometheus.Counter
}

func newAPIMetrics(registry *metric.Registry) (*apiMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &apiMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lattice",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
	}

	if err := registry.RegisterCounterVec("api", "requests_total", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("api", "request_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("api", "rate_limited_total", m.throttled); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) observe(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", code)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *apiMetrics) rateLimited() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}
