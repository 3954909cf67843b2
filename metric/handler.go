package metric

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/pkg/security"
	"github.com/latticeworks/lattice/pkg/tlsutil"
)

// Handler returns an HTTP handler that serves the registry in Prometheus
// exposition format. Use this to mount metrics on an existing mux instead
// of running a standalone Server.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(
		r.prometheusRegistry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
}

const landingPage = `<html>
<head><title>Lattice Metrics</title></head>
<body>
<h1>Lattice Metrics Server</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/health">Health</a></p>
</body>
</html>`

// Server serves a Registry on its own listener, for deployments that
// keep the scrape endpoint off the API port.
type Server struct {
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *Registry
	security security.Config
	mu       sync.Mutex // protects server and listener
}

// NewServer creates a metrics server. An empty path defaults to
// /metrics; port 0 binds an ephemeral port, readable from Address once
// the server is up.
func NewServer(port int, path string, registry *Registry, securityCfg security.Config) *Server {
	if path == "" {
		path = "/metrics"
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		security: securityCfg,
	}
}

// buildMux mounts the exposition handler plus a health endpoint and a
// small landing page.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.registry.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, landingPage, s.path)
	})

	return mux
}

// Start binds the listener and serves until the server is shut down, so
// callers run it in a goroutine. A Stop from another goroutine makes
// Start return http.ErrServerClosed, wrapped.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	server := &http.Server{Handler: s.buildMux()}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on port %d", s.port))
	}

	if s.security.TLS.Server.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(s.security.TLS.Server)
		if err != nil {
			_ = listener.Close()
			s.mu.Unlock()
			return errors.WrapFatal(err, "Server", "Start", "load TLS config")
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	s.server = server
	s.listener = listener

	// Serving blocks, and Stop needs the lock to close the server.
	s.mu.Unlock()

	if err := server.Serve(listener); err != nil {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("serve metrics on port %d", s.port))
	}
	return nil
}

// Stop closes the server. The Server can be started again afterwards.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Close()
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop",
			"failed to stop HTTP server")
	}
	return nil
}

// Address returns the scrape URL. Before the listener is bound it is
// derived from the configured port.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheme := "http"
	if s.security.TLS.Server.Enabled {
		scheme = "https"
	}
	if s.listener != nil {
		return fmt.Sprintf("%s://%s%s", scheme, s.listener.Addr(), s.path)
	}
	return fmt.Sprintf("%s://localhost:%d%s", scheme, s.port, s.path)
}
