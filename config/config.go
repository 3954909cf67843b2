package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/latticeworks/lattice/pkg/security"
)

// Config is the full platform configuration. Version gates hot reload:
// the Manager only applies a reloaded file whose version is strictly
// newer than the running one.
//
// Only JSON tags are declared. YAML files pass through the loader's
// map pipeline, which re-marshals the merged document as JSON before
// decoding it into this struct, so one set of tags covers both formats.
type Config struct {
	Version    string           `json:"version"`
	Deployment DeploymentConfig `json:"deployment"`
	NATS       NATSConfig       `json:"nats"`
	Server     ServerConfig     `json:"server"`
	Graph      GraphConfig      `json:"graph"`
	Query      QueryConfig      `json:"query"`
	Federation FederationConfig `json:"federation"`
	Transports TransportsConfig `json:"transports"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

// DeploymentConfig identifies this instance. Org and Instance are
// required and must be NATS-subject-safe tokens because they appear in
// bucket names and client identities.
type DeploymentConfig struct {
	Org         string `json:"org"`
	Instance    string `json:"instance"`
	Environment string `json:"environment,omitempty"`
}

// NATSConfig carries connection settings for the event bus.
type NATSConfig struct {
	URLs           []string `json:"urls"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	Token          string   `json:"token,omitempty"`
	Name           string   `json:"name,omitempty"`
	MaxReconnects  int      `json:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait"`
	PingInterval   Duration `json:"ping_interval"`
	ConnectTimeout Duration `json:"connect_timeout"`
}

// ServerConfig configures the HTTP API server. CORSOrigins doubles as
// the WebSocket origin allowlist. WriteTimeout is deliberately absent:
// the server hosts long-lived SSE streams.
type ServerConfig struct {
	Bind              string                   `json:"bind"`
	CORSOrigins       []string                 `json:"cors_origins,omitempty"`
	MaxRequestSize    int64                    `json:"max_request_size"`
	ReadHeaderTimeout Duration                 `json:"read_header_timeout"`
	ShutdownTimeout   Duration                 `json:"shutdown_timeout"`
	TLS               security.ServerTLSConfig `json:"tls,omitempty"`
}

// GraphConfig selects the graph store backend and sizes its buckets,
// the mutation ingest pool and the traversal budgets.
type GraphConfig struct {
	Storage           string   `json:"storage"`
	NodesBucket       string   `json:"nodes_bucket"`
	EdgesBucket       string   `json:"edges_bucket"`
	BucketTTL         Duration `json:"bucket_ttl,omitempty"`
	BucketHistory     uint8    `json:"bucket_history"`
	BucketReplicas    int      `json:"bucket_replicas"`
	IngestWorkers     int      `json:"ingest_workers"`
	IngestQueueSize   int      `json:"ingest_queue_size"`
	MaxTraversalDepth int      `json:"max_traversal_depth"`
	MaxTraversalNodes int      `json:"max_traversal_nodes"`
}

// Graph storage backends.
const (
	GraphStorageMemory = "memory"
	GraphStorageKV     = "kv"
)

// QueryConfig tunes the query API: token-bucket rate limiting and the
// result cache. A zero CacheTTL disables caching.
type QueryConfig struct {
	RateLimit float64  `json:"rate_limit"`
	RateBurst int      `json:"rate_burst"`
	CacheTTL  Duration `json:"cache_ttl"`
	CacheSize int      `json:"cache_size"`
}

// FederationConfig selects the link store backend and names the
// projects this instance will accept federated links for.
type FederationConfig struct {
	Store         string   `json:"store"`
	DataDir       string   `json:"data_dir,omitempty"`
	KnownProjects []string `json:"known_projects,omitempty"`
}

// Federation store backends.
const (
	FederationStoreMemory = "memory"
	FederationStoreBadger = "badger"
)

// TransportsConfig tunes the streaming transports.
type TransportsConfig struct {
	SSE       SSEConfig       `json:"sse"`
	WebSocket WebSocketConfig `json:"websocket"`
}

// SSEConfig configures the server-sent-events stream. Retry is the
// reconnect delay advertised to clients in the retry: directive.
type SSEConfig struct {
	Retry             Duration `json:"retry"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	QueueSize         int      `json:"queue_size"`
}

// WebSocketConfig configures the /ws/graph endpoint. QueueSize bounds
// the per-client send queue; slow consumers overflowing it are dropped.
type WebSocketConfig struct {
	PingInterval Duration `json:"ping_interval"`
	WriteTimeout Duration `json:"write_timeout"`
	QueueSize    int      `json:"queue_size"`
	ReadLimit    int64    `json:"read_limit"`
}

// MetricsConfig controls the Prometheus endpoint. When Bind is empty
// metrics are served on the API server's mux instead of a dedicated
// listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Bind    string `json:"bind,omitempty"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SlogLevel maps the configured level onto slog. Unknown levels fall
// back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the baseline configuration the loader layers files
// and environment overrides on top of. Deployment.Org and Instance are
// intentionally empty: they have no sensible default and validation
// requires them.
func Default() *Config {
	return &Config{
		Version: "0.1.0",
		NATS: NATSConfig{
			URLs:           []string{"nats://127.0.0.1:4222"},
			Name:           "lattice",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			PingInterval:   Duration(30 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
		},
		Server: ServerConfig{
			Bind:              ":8080",
			MaxRequestSize:    1 << 20,
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(15 * time.Second),
		},
		Graph: GraphConfig{
			Storage:           GraphStorageMemory,
			NodesBucket:       "graph_nodes",
			EdgesBucket:       "graph_edges",
			BucketHistory:     1,
			BucketReplicas:    1,
			IngestWorkers:     4,
			IngestQueueSize:   256,
			MaxTraversalDepth: 5,
			MaxTraversalNodes: 10000,
		},
		Query: QueryConfig{
			RateLimit: 10,
			RateBurst: 20,
			CacheTTL:  Duration(30 * time.Second),
			CacheSize: 512,
		},
		Federation: FederationConfig{
			Store: FederationStoreMemory,
		},
		Transports: TransportsConfig{
			SSE: SSEConfig{
				Retry:             Duration(3 * time.Second),
				HeartbeatInterval: Duration(30 * time.Second),
				QueueSize:         64,
			},
			WebSocket: WebSocketConfig{
				PingInterval: Duration(30 * time.Second),
				WriteTimeout: Duration(10 * time.Second),
				QueueSize:    64,
				ReadLimit:    1 << 20,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Duration is a time.Duration that unmarshals from either a duration
// string ("30s", "14d") or a raw nanosecond count, and marshals back to
// the string form. Day units are accepted because bucket TTLs are
// usually written that way.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON emits the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := parseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v (want string or number)", v)
	}
}

// parseDuration extends time.ParseDuration with a day unit, so values
// like "14d" and "1d12h" work in config files.
func parseDuration(s string) (time.Duration, error) {
	if i := strings.IndexByte(s, 'd'); i > 0 {
		if days, err := strconv.Atoi(s[:i]); err == nil {
			total := time.Duration(days) * 24 * time.Hour
			if rest := s[i+1:]; rest != "" {
				tail, err := time.ParseDuration(rest)
				if err != nil {
					return 0, err
				}
				total += tail
			}
			return total, nil
		}
	}
	return time.ParseDuration(s)
}

// Identity returns "org.instance", the token this deployment uses for
// NATS client names and lock keys.
func (c *Config) Identity() string {
	if c.Deployment.Instance == "" {
		return c.Deployment.Org
	}
	return c.Deployment.Org + "." + c.Deployment.Instance
}

// String renders a summary safe for logs. Credentials never appear.
func (c *Config) String() string {
	return fmt.Sprintf("lattice config v%s org=%s instance=%s env=%s graph=%s federation=%s",
		c.Version, c.Deployment.Org, c.Deployment.Instance, c.Deployment.Environment,
		c.Graph.Storage, c.Federation.Store)
}

// Clone deep-copies the configuration through JSON so callers can
// mutate the copy freely. Falls back to a shallow copy if the config
// somehow fails to marshal.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		clone := *c
		return &clone
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		shallow := *c
		return &shallow
	}
	return &clone
}

// Validate checks the configuration and normalizes the deployment org
// to lower case. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if !isValidVersion(c.Version) {
		return fmt.Errorf("version %q is not valid semver", c.Version)
	}

	c.Deployment.Org = strings.ToLower(strings.TrimSpace(c.Deployment.Org))
	if c.Deployment.Org == "" {
		return fmt.Errorf("deployment.org is required")
	}
	if !isValidSubjectToken(c.Deployment.Org) {
		return fmt.Errorf("deployment.org %q must contain only a-z, 0-9, '-' and '_'", c.Deployment.Org)
	}
	if strings.TrimSpace(c.Deployment.Instance) == "" {
		return fmt.Errorf("deployment.instance is required")
	}
	if !isValidSubjectToken(c.Deployment.Instance) {
		return fmt.Errorf("deployment.instance %q must contain only a-z, 0-9, '-' and '_'", c.Deployment.Instance)
	}

	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls must list at least one server")
	}
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind is required")
	}
	if c.Server.MaxRequestSize <= 0 {
		return fmt.Errorf("server.max_request_size must be positive")
	}

	switch c.Graph.Storage {
	case GraphStorageMemory, GraphStorageKV:
	default:
		return fmt.Errorf("graph.storage %q must be %q or %q", c.Graph.Storage, GraphStorageMemory, GraphStorageKV)
	}
	if c.Graph.Storage == GraphStorageKV {
		if c.Graph.NodesBucket == "" || c.Graph.EdgesBucket == "" {
			return fmt.Errorf("graph.nodes_bucket and graph.edges_bucket are required for kv storage")
		}
	}
	if c.Graph.MaxTraversalDepth < 1 || c.Graph.MaxTraversalDepth > 10 {
		return fmt.Errorf("graph.max_traversal_depth %d must be between 1 and 10", c.Graph.MaxTraversalDepth)
	}
	if c.Graph.MaxTraversalNodes < 0 {
		return fmt.Errorf("graph.max_traversal_nodes must not be negative")
	}

	if c.Query.RateLimit < 0 {
		return fmt.Errorf("query.rate_limit must not be negative")
	}
	if c.Query.RateBurst < 0 {
		return fmt.Errorf("query.rate_burst must not be negative")
	}
	if c.Query.CacheTTL < 0 {
		return fmt.Errorf("query.cache_ttl must not be negative")
	}

	switch c.Federation.Store {
	case FederationStoreMemory:
	case FederationStoreBadger:
		if c.Federation.DataDir == "" {
			return fmt.Errorf("federation.data_dir is required for the badger store")
		}
	default:
		return fmt.Errorf("federation.store %q must be %q or %q", c.Federation.Store, FederationStoreMemory, FederationStoreBadger)
	}
	for _, project := range c.Federation.KnownProjects {
		if !isValidSubjectToken(project) {
			return fmt.Errorf("federation.known_projects entry %q must contain only a-z, 0-9, '-' and '_'", project)
		}
	}

	if c.Transports.SSE.Retry < 0 || c.Transports.SSE.HeartbeatInterval < 0 {
		return fmt.Errorf("transports.sse intervals must not be negative")
	}
	if c.Transports.SSE.QueueSize < 1 {
		return fmt.Errorf("transports.sse.queue_size must be at least 1")
	}
	if c.Transports.WebSocket.QueueSize < 1 {
		return fmt.Errorf("transports.websocket.queue_size must be at least 1")
	}
	if c.Transports.WebSocket.PingInterval < 0 {
		return fmt.Errorf("transports.websocket.ping_interval must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}

	return c.validateServerTLS()
}

func (c *Config) validateServerTLS() error {
	tls := &c.Server.TLS
	if !tls.Enabled {
		return nil
	}

	switch tls.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("server.tls.min_version %q must be 1.2 or 1.3", tls.MinVersion)
	}

	switch tls.Mode {
	case "", "manual":
		if tls.CertFile == "" || tls.KeyFile == "" {
			return fmt.Errorf("server.tls requires cert_file and key_file in manual mode")
		}
		for _, f := range []string{tls.CertFile, tls.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("server.tls file %q: %w", f, err)
			}
		}
	case "acme":
		if len(tls.ACME.Domains) == 0 {
			return fmt.Errorf("server.tls.acme.domains is required in acme mode")
		}
		if tls.ACME.Email == "" {
			return fmt.Errorf("server.tls.acme.email is required in acme mode")
		}
	default:
		return fmt.Errorf("server.tls.mode %q must be manual or acme", tls.Mode)
	}

	if tls.MTLS.Enabled {
		if len(tls.MTLS.ClientCAFiles) == 0 {
			return fmt.Errorf("server.tls.mtls requires at least one client_ca_files entry")
		}
		for _, f := range tls.MTLS.ClientCAFiles {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("server.tls.mtls CA file %q: %w", f, err)
			}
		}
	}
	return nil
}

// isValidSubjectToken reports whether s is safe to embed in a NATS
// subject or bucket name: lowercase alphanumerics, '-' and '_' only.
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// WriteFile saves the configuration to path, as YAML or JSON depending
// on the extension. The document is first flattened through JSON so
// field names match what the loader reads back.
func (c *Config) WriteFile(path string) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	var out []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("flatten config: %w", err)
		}
		out, err = yaml.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal config as yaml: %w", err)
		}
	default:
		out, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config as json: %w", err)
		}
		out = append(out, '\n')
	}
	return safeWriteFile(path, out)
}

// SafeConfig guards a Config for concurrent readers and a reloading
// writer. Get returns a deep clone so callers never share mutable
// state with the manager.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg starts from Default.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep clone of the current configuration.
func (s *SafeConfig) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Clone()
}

// Version returns the current configuration version without cloning.
func (s *SafeConfig) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Version
}

// Update validates cfg and swaps it in. The previous configuration is
// kept on validation failure.
func (s *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}
