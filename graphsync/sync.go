package graphsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/pkg/ring"
	"github.com/latticeworks/lattice/transport"
)

// SnapshotFunc fetches the current graph view, typically by running a
// query against the server. It must honor ctx cancellation.
type SnapshotFunc func(ctx context.Context) ([]*graph.Node, []*graph.Edge, error)

// EventSource is the live stream feeding the mirror. *transport.WSClient
// satisfies it; tests substitute channel-backed fakes. The source owns
// reconnection and replays its topic set after every connect.
type EventSource interface {
	Start(ctx context.Context) error
	Events() <-chan transport.WSEvent
	Subscribe(topic string) error
	Close() error
}

// Options tunes a Synchronizer.
type Options struct {
	// Topics subscribed on the source before it starts.
	Topics []string
	// BufferSize bounds the pre-snapshot event buffer. Oldest events are
	// dropped on overflow and counted.
	BufferSize int
	// AutoRefresh refetches the snapshot when an invalidated event
	// arrives, instead of leaving the stale flag for the caller.
	AutoRefresh bool
	Logger      *slog.Logger
}

// SetDefaults fills zero values.
func (o *Options) SetDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
}

// Synchronizer keeps one State current: it owns a single stream
// connection, fetches the initial snapshot, and applies live events in
// receipt order. Events that arrive before the snapshot commits are
// buffered and replayed after it, never dropped or applied early.
type Synchronizer struct {
	source   EventSource
	snapshot SnapshotFunc
	opts     Options
	logger   *slog.Logger
	state    *State

	// applyMu orders snapshot commits against live event application.
	applyMu sync.Mutex
	buffer  *ring.Ring[graph.Event]
	ready   bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a synchronizer over a stream source and a snapshot fetcher.
func New(source EventSource, snapshot SnapshotFunc, opts Options) (*Synchronizer, error) {
	if source == nil || snapshot == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("event source and snapshot func are required"),
			"Synchronizer", "New", "check dependencies")
	}
	opts.SetDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	buffer, err := ring.New[graph.Event](opts.BufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "Synchronizer", "New", "create event buffer")
	}
	return &Synchronizer{
		source:   source,
		snapshot: snapshot,
		opts:     opts,
		logger:   logger.With("component", "graphsync"),
		state:    NewState(),
		buffer:   buffer,
	}, nil
}

// State returns the mirror. It is live; use Snapshot for a stable copy.
func (s *Synchronizer) State() *State {
	return s.state
}

// Start subscribes the topic set, opens the stream, and blocks until the
// initial snapshot is committed. Events arriving during the fetch buffer
// in the ring and replay once the snapshot lands. A synchronizer runs at
// most one connection; Start on a started one fails.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(
			errors.ErrAlreadyStarted, "Synchronizer", "Start", "check state")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	for _, topic := range s.opts.Topics {
		if err := s.source.Subscribe(topic); err != nil {
			return s.abortStart(cancel, false,
				errors.Wrap(err, "Synchronizer", "Start", "subscribe "+topic))
		}
	}
	if err := s.source.Start(runCtx); err != nil {
		return s.abortStart(cancel, false,
			errors.Wrap(err, "Synchronizer", "Start", "open stream"))
	}

	// Consume first so the fetch window buffers instead of dropping.
	go s.run(runCtx, done)

	nodes, edges, err := s.snapshot(ctx)
	if err != nil {
		return s.abortStart(cancel, true,
			errors.Wrap(err, "Synchronizer", "Start", "fetch snapshot"))
	}
	s.commitSnapshot(nodes, edges)
	return nil
}

// abortStart unwinds a failed Start so the synchronizer can be started
// again. When the event loop was already launched it is stopped first.
func (s *Synchronizer) abortStart(cancel context.CancelFunc, loopRunning bool, err error) error {
	cancel()

	s.mu.Lock()
	done := s.done
	s.started = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if loopRunning && done != nil {
		<-done
	}
	return err
}

// Close tears the stream down and waits for the event loop to stop.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if err := s.source.Close(); err != nil {
		s.logger.Warn("close stream source", "error", err)
	}
	if done != nil {
		<-done
	}
	return nil
}

// Refresh refetches the snapshot and replaces the mirror wholesale,
// clearing the stale flag and resetting the update counter. This is the
// only repair path for a missed event window.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	nodes, edges, err := s.snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "Synchronizer", "Refresh", "fetch snapshot")
	}
	s.commitSnapshot(nodes, edges)
	s.logger.Debug("mirror refreshed", "nodes", len(nodes), "edges", len(edges))
	return nil
}

// commitSnapshot installs a fetched view and replays anything buffered
// while the fetch was in flight.
func (s *Synchronizer) commitSnapshot(nodes []*graph.Node, edges []*graph.Edge) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.state.Reset(nodes, edges)
	buffered := s.buffer.Drain()
	for _, event := range buffered {
		s.state.Apply(event)
	}
	if dropped := s.buffer.Dropped(); dropped > 0 {
		// Dropped events are unrecoverable here; the stale flag plus a
		// later Refresh covers the gap.
		s.logger.Warn("pre-snapshot buffer overflowed",
			"replayed", len(buffered), "dropped", dropped)
	} else if len(buffered) > 0 {
		s.logger.Debug("replayed buffered events", "count", len(buffered))
	}
	s.ready = true
}

func (s *Synchronizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.source.Events():
			if !ok {
				// Permanent stream loss. The mirror keeps its data but
				// can no longer be trusted to be current.
				s.state.markStale()
				s.logger.Warn("event stream ended, mirror marked stale")
				return
			}
			s.handle(ctx, raw)
		}
	}
}

func (s *Synchronizer) handle(ctx context.Context, raw transport.WSEvent) {
	var event graph.Event
	if err := json.Unmarshal(raw.Data, &event); err != nil {
		s.logger.Warn("drop event: malformed payload", "topic", raw.Topic, "error", err)
		return
	}

	s.applyMu.Lock()
	if !s.ready {
		s.buffer.Push(event)
		s.applyMu.Unlock()
		return
	}
	changed := s.state.Apply(event)
	s.applyMu.Unlock()

	if event.Type == graph.EventInvalidated && s.opts.AutoRefresh {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("auto refresh failed", "error", err)
		}
		return
	}
	if changed {
		s.logger.Debug("applied event",
			"type", event.Type, "project_id", event.ProjectID)
	}
}
