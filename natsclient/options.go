package natsclient

import (
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/latticeworks/lattice/metric"
)

// Logger is the printf-shaped logging surface the client writes to.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger writes through the standard library until a real logger
// is wired in.
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[NATS] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[NATS ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Debug output stays off unless a logger opts in.
}

// slogLogger adapts a *slog.Logger to the client's Logger interface.
type slogLogger struct {
	inner *slog.Logger
}

func (l *slogLogger) Printf(format string, v ...any) {
	l.inner.Info(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Errorf(format string, v ...any) {
	l.inner.Error(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Debugf(format string, v ...any) {
	l.inner.Debug(fmt.Sprintf(format, v...))
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client) error

// WithMaxReconnects bounds reconnection attempts. -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the connection is pinged.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithHealthInterval sets the health monitor cadence. Zero disables the
// monitor.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithLogger routes client output through logger. Nil restores the
// default.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithSlog routes client output through a structured logger.
func WithSlog(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return nil
		}
		c.logger = &slogLogger{inner: logger.With("component", "nats")}
		return nil
	}
}

// WithDisconnectCallback registers fn to run on every disconnect.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback registers fn to run after each successful
// reconnect.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback registers fn to run when the health state
// flips.
func WithHealthChangeCallback(fn func(bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithConnectionLostCallback registers fn to run once reconnection gives
// up for good.
func WithConnectionLostCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onConnectionLost = fn
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many consecutive failures open
// the breaker. Values below 1 fall back to 5.
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n < 1 {
			n = 5
		}
		c.circuitThreshold = n
		return nil
	}
}

// WithMaxBackoff caps the breaker's backoff. Values below a second fall
// back to a minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials authenticates with a username and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS points the connection at certificate files. An empty caFile
// falls back to the system pool.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.tlsEnabled = true
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// WithName labels the connection for server-side monitoring.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout bounds the initial connection attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds subscription draining during Close.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithCompression negotiates connection compression with the server.
func WithCompression(enabled bool) ClientOption {
	return func(c *Client) error {
		c.compression = enabled
		return nil
	}
}

// WithMetrics publishes connection status, RTT, reconnect and circuit
// breaker readings to the given registry.
func WithMetrics(registry *metric.Registry) ClientOption {
	return func(c *Client) error {
		c.metrics = newConnMetrics(registry)
		return nil
	}
}
