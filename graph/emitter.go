package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/natsclient"
)

// Emitter delivers graph events to subscribers. Emission is fire and
// forget: a mutation that committed to the store has happened, so delivery
// problems are logged and counted, never surfaced to the mutating caller.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// NATSEmitter publishes events on graph.events.{project}.{type}. One
// publication serves both per-project and wildcard subscribers.
type NATSEmitter struct {
	client  *natsclient.Client
	logger  *slog.Logger
	metrics *metric.Metrics

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewNATSEmitter creates an emitter publishing through client.
func NewNATSEmitter(client *natsclient.Client, logger *slog.Logger) *NATSEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSEmitter{
		client: client,
		logger: logger.With("component", "emitter"),
	}
}

// WithMetrics wires the published-event counter and drop errors into the
// given registry. A nil registry leaves metrics off.
func (e *NATSEmitter) WithMetrics(registry *metric.Registry) *NATSEmitter {
	if registry != nil {
		e.metrics = registry.CoreMetrics()
	}
	return e
}

// Emit publishes one event. Failures increment the drop counter.
func (e *NATSEmitter) Emit(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.RecordError("graph", "event_encode")
		}
		e.logger.Error("drop event: encode failed",
			"event_type", string(event.Type),
			"project_id", event.ProjectID,
			"error", err)
		return
	}

	if err := e.client.Publish(ctx, event.Subject(), data); err != nil {
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.RecordError("graph", "event_publish")
		}
		e.logger.Error("drop event: publish failed",
			"subject", event.Subject(),
			"event_type", string(event.Type),
			"error", err)
		return
	}
	e.emitted.Add(1)
	if e.metrics != nil {
		e.metrics.RecordEventPublished("graph", string(event.Type))
	}
}

// Emitted returns the number of events published successfully.
func (e *NATSEmitter) Emitted() uint64 {
	return e.emitted.Load()
}

// Dropped returns the number of events that could not be published.
func (e *NATSEmitter) Dropped() uint64 {
	return e.dropped.Load()
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, Event) {}

// CaptureEmitter records emitted events in order. Intended for tests and
// for embedding consumers that process events in process.
type CaptureEmitter struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event to the capture log.
func (c *CaptureEmitter) Emit(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything captured so far.
func (c *CaptureEmitter) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Reset clears the capture log.
func (c *CaptureEmitter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
