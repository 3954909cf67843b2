package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/metric"
)

// WSOptions tunes the /ws/graph endpoint.
type WSOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// QueueSize bounds the per-client send queue. Events beyond it are
	// dropped and counted; the connection stays up.
	QueueSize int
	ReadLimit int64
	// AllowedOrigins is the Origin allowlist. Empty allows every origin.
	AllowedOrigins []string
}

// SetDefaults fills zero values.
func (o *WSOptions) SetDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
}

// WSDeps carries the server's collaborators.
type WSDeps struct {
	Bus      Bus
	Options  WSOptions
	Registry *metric.Registry
	Logger   *slog.Logger
}

// wsCommand is a client request frame.
type wsCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// wsFrame is a server response frame: a subscription ack, an event, or an
// error.
type wsFrame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// WSServer upgrades /ws/graph connections and relays graph events for the
// topics each client subscribes. Delivery is fire and forget: a slow
// client drops events, it never blocks publication or other clients.
type WSServer struct {
	bus      Bus
	opts     WSOptions
	logger   *slog.Logger
	metrics  *streamMetrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewWSServer wires the server from its dependencies.
func NewWSServer(deps WSDeps) (*WSServer, error) {
	if deps.Bus == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("event bus is required"),
			"WSServer", "New", "check dependencies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := deps.Options
	opts.SetDefaults()

	metrics, err := newStreamMetrics(deps.Registry, "websocket")
	if err != nil {
		return nil, errors.Wrap(err, "WSServer", "New", "register metrics")
	}

	s := &WSServer{
		bus:     deps.Bus,
		opts:    opts,
		logger:  logger.With("component", "websocket"),
		metrics: metrics,
		clients: make(map[*wsClient]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// wsClient is one connected WebSocket client.
type wsClient struct {
	conn  *websocket.Conn
	scope string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]Subscription // topic -> subscription

	dropped atomic.Uint64
}

// ServeHTTP implements GET /ws/graph.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	scope, _ := graph.ProjectScope(r.Context())
	client := &wsClient{
		conn:  conn,
		scope: scope,
		send:  make(chan []byte, s.opts.QueueSize),
		done:  make(chan struct{}),
		subs:  make(map[string]Subscription),
	}

	s.mu.Lock()
	if s.closed {
		// Lost the race against Close after the upgrade.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.metrics.connected()
	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String())

	go s.writeLoop(client)
	s.readLoop(client)
}

// close tears the client down exactly once: subscriptions drained,
// connection closed, registry entry removed.
func (s *WSServer) close(client *wsClient) {
	client.closeOnce.Do(func() {
		close(client.done)

		client.subsMu.Lock()
		for topic, sub := range client.subs {
			if err := sub.Drain(); err != nil {
				s.logger.Warn("drain subscription", "topic", topic, "error", err)
			}
		}
		client.subs = make(map[string]Subscription)
		client.subsMu.Unlock()

		_ = client.conn.Close()

		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.metrics.disconnected()

		if dropped := client.dropped.Load(); dropped > 0 {
			s.logger.Warn("client dropped events", "dropped", dropped)
		}
		s.logger.Debug("client disconnected")
	})
}

// ClientCount returns the number of connected clients.
func (s *WSServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client. New connections are refused afterwards.
func (s *WSServer) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		s.close(client)
	}
	return nil
}

func (s *WSServer) readLoop(client *wsClient) {
	defer s.close(client)

	pongWait := 2 * s.opts.PingInterval
	client.conn.SetReadLimit(s.opts.ReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendFrame(client, wsFrame{Type: "error", Error: "malformed command"})
			continue
		}

		switch cmd.Action {
		case "subscribe":
			s.subscribe(client, cmd.Topic)
		case "unsubscribe":
			s.unsubscribe(client, cmd.Topic)
		default:
			s.sendFrame(client, wsFrame{
				Type:  "error",
				Error: fmt.Sprintf("unknown action %q", cmd.Action),
			})
		}
	}
}

func (s *WSServer) subscribe(client *wsClient, topic string) {
	subject, err := ParseTopic(topic, client.scope)
	if err != nil {
		s.sendFrame(client, wsFrame{Type: "error", Topic: topic, Error: err.Error()})
		return
	}

	client.subsMu.Lock()
	_, exists := client.subs[topic]
	client.subsMu.Unlock()
	if exists {
		// Duplicate subscribes are acked, not doubled.
		s.sendFrame(client, wsFrame{Type: "subscribed", Topic: topic})
		return
	}

	sub, err := s.bus.Subscribe(subject, func(data []byte) {
		s.deliver(client, topic, data)
	})
	if err != nil {
		s.logger.Error("subscribe failed", "topic", topic, "error", err)
		s.sendFrame(client, wsFrame{Type: "error", Topic: topic, Error: "subscription failed"})
		return
	}

	client.subsMu.Lock()
	client.subs[topic] = sub
	client.subsMu.Unlock()

	s.sendFrame(client, wsFrame{Type: "subscribed", Topic: topic})
}

func (s *WSServer) unsubscribe(client *wsClient, topic string) {
	if _, err := ParseTopic(topic, client.scope); err != nil {
		s.sendFrame(client, wsFrame{Type: "error", Topic: topic, Error: err.Error()})
		return
	}

	client.subsMu.Lock()
	sub, exists := client.subs[topic]
	if exists {
		delete(client.subs, topic)
	}
	client.subsMu.Unlock()

	if exists {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("drain subscription", "topic", topic, "error", err)
		}
	}
	// Unsubscribing an inactive topic still acks, keeping the op idempotent.
	s.sendFrame(client, wsFrame{Type: "unsubscribed", Topic: topic})
}

// deliver queues one event frame for the client. Runs on bus delivery
// goroutines, so it never blocks: full queue means drop and count.
func (s *WSServer) deliver(client *wsClient, topic string, data []byte) {
	buf, err := json.Marshal(wsFrame{Type: "event", Topic: topic, Data: data})
	if err != nil {
		return
	}
	select {
	case <-client.done:
	case client.send <- buf:
		s.metrics.sent()
	default:
		client.dropped.Add(1)
		s.metrics.droppedEvents(1)
	}
}

// sendFrame queues a control frame (ack or error) for the client.
func (s *WSServer) sendFrame(client *wsClient, frame wsFrame) {
	buf, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case <-client.done:
	case client.send <- buf:
	default:
		client.dropped.Add(1)
	}
}

func (s *WSServer) writeLoop(client *wsClient) {
	defer s.close(client)

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-client.done:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return

		case buf := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
