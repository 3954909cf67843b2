package service

import (
	"context"
	"fmt"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/health"
)

// IngestService runs the graph mutation consumer: a NATS queue
// subscription on graph.mutate.* feeding a bounded worker pool that
// applies mutations through the graph manager, which in turn emits
// change events.
type IngestService struct {
	*BaseService
	ingestor *graph.Ingestor
}

// NewIngestService wires the ingestor from the shared dependencies.
func NewIngestService(deps *Dependencies) (*IngestService, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("dependencies with config are required"),
			"IngestService", "New", "check dependencies")
	}
	if deps.Graph == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("graph manager is required"),
			"IngestService", "New", "check dependencies")
	}
	if deps.NATS == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("NATS client is required"),
			"IngestService", "New", "check dependencies")
	}

	cfg := graph.IngestConfig{
		Workers:   deps.Config.Graph.IngestWorkers,
		QueueSize: deps.Config.Graph.IngestQueueSize,
	}

	s := &IngestService{
		ingestor: graph.NewIngestor(deps.Graph, deps.NATS, cfg, deps.Logger).WithMetrics(deps.Registry),
	}
	s.BaseService = NewBaseService("graph-ingest", deps.Config,
		WithLogger(deps.Logger),
		WithMetrics(deps.Registry),
		WithNATS(deps.NATS),
	)
	return s, nil
}

// Start starts the base service and then the consumer. A consumer that
// cannot subscribe leaves the service stopped.
func (s *IngestService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	if err := s.ingestor.Start(ctx); err != nil {
		if stopErr := s.BaseService.Stop(time.Second); stopErr != nil {
			s.logger.Warn("stop after failed start", "error", stopErr)
		}
		return err
	}
	return nil
}

// Stop drains the worker pool before stopping the base service.
func (s *IngestService) Stop(timeout time.Duration) error {
	if err := s.ingestor.Stop(timeout); err != nil {
		s.logger.Warn("ingestor stop failed", "error", err)
	}
	return s.BaseService.Stop(timeout)
}

// Health augments the base health with pool counters.
func (s *IngestService) Health() health.Status {
	status := s.BaseService.Health()

	processed, rejected, queued := s.ingestor.Stats()
	info := s.GetStatus()
	status.Metrics = &health.Metrics{
		Uptime:          info.Uptime,
		ErrorCount:      int(rejected),
		EventsProcessed: int64(processed),
		LastActivity:    info.LastActivity,
	}
	if queued > 0 {
		status.Message = fmt.Sprintf("%s (%d queued)", status.Message, queued)
	}
	return status
}
