package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/pkg/backoff"
)

// WSClientState is the connection lifecycle state surfaced to callers.
type WSClientState string

// Client states. Failed is terminal: the reconnect budget ran out.
const (
	WSStateConnecting   WSClientState = "connecting"
	WSStateConnected    WSClientState = "connected"
	WSStateReconnecting WSClientState = "reconnecting"
	WSStateFailed       WSClientState = "failed"
	WSStateClosed       WSClientState = "closed"
)

// WSEvent is one event frame received from the server.
type WSEvent struct {
	Topic string
	Data  json.RawMessage
}

// WSClientOptions configures a reconnecting WebSocket consumer.
type WSClientOptions struct {
	URL string
	// Backoff is the reconnect schedule. The zero value gets the default
	// policy: base 1s, doubling, at most 5 attempts, then permanent
	// failure.
	Backoff   backoff.Policy
	Dialer    *websocket.Dialer
	QueueSize int
	// OnState observes lifecycle transitions. Called from the client's
	// run goroutine; must not block.
	OnState func(WSClientState)
	Logger  *slog.Logger
}

// SetDefaults fills zero values.
func (o *WSClientOptions) SetDefaults() {
	if o.Backoff == (backoff.Policy{}) {
		o.Backoff = backoff.DefaultPolicy()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// WSClient maintains one WebSocket connection to a graph event server.
// Subscriptions survive reconnects: the active topic set is replayed to
// the server after every successful dial. Subscribes issued while
// disconnected are queued and flushed on open.
type WSClient struct {
	opts   WSClientOptions
	logger *slog.Logger
	events chan WSEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	wanted  map[string]bool // desired topics, coalesced
	state   WSClientState
	started bool
	cancel  context.CancelFunc

	writeMu sync.Mutex
	done    chan struct{}
}

// NewWSClient builds a client for the given ws:// or wss:// URL.
func NewWSClient(opts WSClientOptions) (*WSClient, error) {
	if opts.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("websocket url is required"),
			"WSClient", "New", "check options")
	}
	opts.SetDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		opts:   opts,
		logger: logger.With("component", "ws_client"),
		events: make(chan WSEvent, opts.QueueSize),
		wanted: make(map[string]bool),
		state:  WSStateConnecting,
		done:   make(chan struct{}),
	}, nil
}

// Events returns the channel of received event frames. It is closed when
// the client stops, whether by Close, context end, or reconnect budget
// exhaustion.
func (c *WSClient) Events() <-chan WSEvent {
	return c.events
}

// State returns the current lifecycle state.
func (c *WSClient) State() WSClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects and keeps the connection alive until ctx ends or Close
// is called.
func (c *WSClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.WrapInvalid(
			errors.ErrAlreadyStarted, "WSClient", "Start", "check state")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops the client. Safe to call before Start and more than once.
func (c *WSClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
	return nil
}

// Subscribe adds a topic to the active set. Connected clients send the
// subscribe immediately; otherwise it is queued for the next open.
// Subscribing an already-wanted topic is a no-op.
func (c *WSClient) Subscribe(topic string) error {
	c.mu.Lock()
	if c.wanted[topic] {
		c.mu.Unlock()
		return nil
	}
	c.wanted[topic] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil // flushed on connect
	}
	return c.sendCommand(conn, "subscribe", topic)
}

// Unsubscribe removes a topic from the active set.
func (c *WSClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	if !c.wanted[topic] {
		c.mu.Unlock()
		return nil
	}
	delete(c.wanted, topic)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.sendCommand(conn, "unsubscribe", topic)
}

func (c *WSClient) sendCommand(conn *websocket.Conn, action, topic string) error {
	buf, err := json.Marshal(wsCommand{Action: action, Topic: topic})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return errors.WrapTransient(err, "WSClient", "sendCommand", action+" "+topic)
	}
	return nil
}

func (c *WSClient) setState(state WSClientState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed && c.opts.OnState != nil {
		c.opts.OnState(state)
	}
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(WSStateClosed)
			return
		}

		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			attempt++
			if c.opts.Backoff.Exhausted(attempt) {
				c.logger.Error("reconnect attempts exhausted",
					"attempts", attempt, "error", err)
				c.setState(WSStateFailed)
				return
			}
			delay := c.opts.Backoff.Delay(attempt)
			c.logger.Warn("dial failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			c.setState(WSStateReconnecting)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.setState(WSStateClosed)
				return
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		topics := make([]string, 0, len(c.wanted))
		for topic := range c.wanted {
			topics = append(topics, topic)
		}
		c.mu.Unlock()
		c.setState(WSStateConnected)

		for _, topic := range topics {
			if err := c.sendCommand(conn, "subscribe", topic); err != nil {
				c.logger.Warn("replay subscribe failed", "topic", topic, "error", err)
			}
		}

		c.readFrames(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setState(WSStateClosed)
			return
		}
		c.setState(WSStateReconnecting)
		c.logger.Info("connection lost, reconnecting")
	}
}

// readFrames consumes server frames until the connection drops.
func (c *WSClient) readFrames(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("drop frame: malformed", "error", err)
			continue
		}

		switch frame.Type {
		case "event":
			select {
			case c.events <- WSEvent{Topic: frame.Topic, Data: frame.Data}:
			case <-ctx.Done():
				return
			}
		case "subscribed", "unsubscribed":
			c.logger.Debug("subscription ack",
				"type", frame.Type, "topic", frame.Topic)
		case "error":
			c.logger.Warn("server error frame", "error", frame.Error)
		default:
			c.logger.Debug("ignoring unknown frame type", "type", frame.Type)
		}
	}
}
