package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/metric"
)

// SSEOptions tunes the event stream endpoint.
type SSEOptions struct {
	// Retry is the reconnect delay advertised to clients. The SSE
	// contract is a fixed delay, no backoff.
	Retry             time.Duration
	HeartbeatInterval time.Duration
	// QueueSize bounds the per-connection event queue. Events beyond it
	// are dropped and the connection is closed with an error event.
	QueueSize int
}

// SetDefaults fills zero values.
func (o *SSEOptions) SetDefaults() {
	if o.Retry <= 0 {
		o.Retry = 3 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// SSEDeps carries the handler's collaborators.
type SSEDeps struct {
	Bus      Bus
	Options  SSEOptions
	Registry *metric.Registry
	Logger   *slog.Logger
}

// SSEHandler streams graph events as Server-Sent Events. Each connection
// subscribes the topics named in the request and receives named events
// ("graph.node.created", "graph.edge.deleted", ...) with monotonically
// increasing ids.
type SSEHandler struct {
	bus     Bus
	opts    SSEOptions
	logger  *slog.Logger
	metrics *streamMetrics
	active  atomic.Int64
}

// NewSSEHandler wires the handler from its dependencies.
func NewSSEHandler(deps SSEDeps) (*SSEHandler, error) {
	if deps.Bus == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("event bus is required"),
			"SSEHandler", "New", "check dependencies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := deps.Options
	opts.SetDefaults()

	metrics, err := newStreamMetrics(deps.Registry, "sse")
	if err != nil {
		return nil, errors.Wrap(err, "SSEHandler", "New", "register metrics")
	}
	return &SSEHandler{
		bus:     deps.Bus,
		opts:    opts,
		logger:  logger.With("component", "sse"),
		metrics: metrics,
	}, nil
}

// sseSession is the per-connection state. enqueue runs on bus delivery
// goroutines; everything else runs on the handler goroutine.
type sseSession struct {
	id       string
	events   chan []byte
	dropped  atomic.Uint64
	overflow atomic.Bool
}

func newSSESession(queueSize int) *sseSession {
	return &sseSession{
		id:     uuid.NewString(),
		events: make(chan []byte, queueSize),
	}
}

// enqueue hands an event to the write loop without blocking the bus.
// A full queue marks the session overflowed; the write loop closes the
// stream after telling the client why.
func (s *sseSession) enqueue(data []byte) {
	select {
	case s.events <- data:
	default:
		s.dropped.Add(1)
		s.overflow.Store(true)
	}
}

// requestTopics assembles the topic list from query parameters. No
// parameters means the full event stream.
func requestTopics(r *http.Request) []string {
	var topics []string
	if id := r.URL.Query().Get("project_id"); id != "" {
		topics = append(topics, "project:"+id)
	}
	for _, raw := range r.URL.Query()["subjects"] {
		for _, topic := range strings.Split(raw, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				topics = append(topics, topic)
			}
		}
	}
	if len(topics) == 0 {
		topics = append(topics, WildcardTopic)
	}
	return topics
}

// ServeHTTP implements GET /events/stream.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	scope, _ := graph.ProjectScope(ctx)
	subjects, topics, err := ParseTopics(requestTopics(r), scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	session := newSSESession(h.opts.QueueSize)
	var subs []Subscription
	defer func() {
		for _, sub := range subs {
			if err := sub.Drain(); err != nil {
				h.logger.Warn("drain subscription", "error", err)
			}
		}
	}()

	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, session.enqueue)
		if err != nil {
			h.logger.Error("subscribe failed", "subject", subject, "error", err)
			h.writeError(w, flusher, "subscription failed")
			return
		}
		subs = append(subs, sub)
	}

	h.active.Add(1)
	h.metrics.connected()
	defer func() {
		h.active.Add(-1)
		h.metrics.disconnected()
	}()

	if last := r.Header.Get("Last-Event-ID"); last != "" {
		// Streams restart from the current position; reconnecting
		// clients refetch the snapshot to fill the gap.
		h.logger.Debug("client reconnected", "session_id", session.id, "last_event_id", last)
	}

	fmt.Fprintf(w, "retry: %d\n\n", h.opts.Retry.Milliseconds())
	flusher.Flush()

	var eventID atomic.Uint64
	connected, _ := json.Marshal(map[string]any{
		"session_id": session.id,
		"topics":     topics,
	})
	h.writeEvent(w, flusher, "connected", eventID.Add(1), connected)

	h.logger.Debug("stream opened", "session_id", session.id, "topics", topics)
	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream closed", "session_id", session.id)
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case data := <-session.events:
			var head struct {
				Type graph.EventType `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err != nil || !head.Type.Valid() {
				h.logger.Warn("drop event: unrecognized payload", "session_id", session.id)
				continue
			}
			h.writeEvent(w, flusher, "graph."+string(head.Type), eventID.Add(1), data)
			h.metrics.sent()
		}

		if session.overflow.Load() {
			dropped := session.dropped.Load()
			h.metrics.droppedEvents(dropped)
			h.logger.Warn("closing slow stream",
				"session_id", session.id,
				"dropped", dropped)
			h.writeError(w, flusher, fmt.Sprintf("event buffer overflow, %d dropped", dropped))
			return
		}
	}
}

// ClientCount returns the number of open streams.
func (h *SSEHandler) ClientCount() int {
	return int(h.active.Load())
}

func (h *SSEHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, id uint64, data []byte) {
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, data)
	flusher.Flush()
}

func (h *SSEHandler) writeError(w http.ResponseWriter, flusher http.Flusher, message string) {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
