package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/metric"
	"github.com/latticeworks/lattice/natsclient"
	"github.com/latticeworks/lattice/pkg/worker"
)

// Mutation subjects. External services request graph writes by publishing
// a MutationRequest on one of these; the Ingestor applies it through the
// Manager and answers on the reply subject when one is set.
const (
	MutationSubjectPrefix = "graph.mutate"
	MutationSubjectAll    = MutationSubjectPrefix + ".>"

	MutationNodeCreate = MutationSubjectPrefix + ".node.create"
	MutationNodeUpdate = MutationSubjectPrefix + ".node.update"
	MutationNodeDelete = MutationSubjectPrefix + ".node.delete"
	MutationEdgeCreate = MutationSubjectPrefix + ".edge.create"
	MutationEdgeDelete = MutationSubjectPrefix + ".edge.delete"
	MutationInvalidate = MutationSubjectPrefix + ".invalidate"
)

// ingestQueueGroup load-balances mutation handling across instances.
const ingestQueueGroup = "lattice-graph-ingest"

// ingestName labels the worker pool and the mutation metrics.
const ingestName = "graph-ingest"

// MutationRequest is the JSON body of a mutation subject. Which fields are
// read depends on the subject the request arrived on.
type MutationRequest struct {
	Node      *Node          `json:"node,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Label     *string        `json:"label,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Edge      *Edge          `json:"edge,omitempty"`
	EdgeRef   *EdgeRef       `json:"edge_ref,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// MutationResponse acknowledges a mutation request.
type MutationResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Created *bool  `json:"created,omitempty"`
	Node    *Node  `json:"node,omitempty"`
	Edge    *Edge  `json:"edge,omitempty"`
}

// IngestConfig sizes the mutation worker pool.
type IngestConfig struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultIngestConfig returns the pool sizing used when none is configured.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{Workers: 4, QueueSize: 256}
}

type mutationTask struct {
	subject string
	data    []byte
	reply   string
}

// Ingestor consumes mutation requests from NATS and applies them through
// the Manager on a bounded worker pool. When the pool queue is full the
// request is rejected immediately instead of blocking the subscription.
type Ingestor struct {
	manager *Manager
	client  *natsclient.Client
	logger  *slog.Logger
	metrics *metric.Metrics
	pool    *worker.Pool[mutationTask]
}

// NewIngestor creates an ingestor. Start subscribes it.
func NewIngestor(manager *Manager, client *natsclient.Client, cfg IngestConfig, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultIngestConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ing := &Ingestor{
		manager: manager,
		client:  client,
		logger:  logger.With("component", "graph_ingestor"),
	}
	ing.pool = worker.New(ingestName, cfg.Workers, cfg.QueueSize, ing.handle)
	return ing
}

// WithMetrics wires mutation counters and processing histograms into the
// given registry. A nil registry leaves metrics off.
func (i *Ingestor) WithMetrics(registry *metric.Registry) *Ingestor {
	if registry != nil {
		i.metrics = registry.CoreMetrics()
	}
	return i
}

// Start launches the worker pool and subscribes to the mutation subjects.
func (i *Ingestor) Start(ctx context.Context) error {
	if err := i.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Ingestor", "Start", "start worker pool")
	}

	err := i.client.SubscribeQueue(ctx, MutationSubjectAll, ingestQueueGroup, func(_ context.Context, msg *nats.Msg) {
		if i.metrics != nil {
			i.metrics.RecordMutationReceived(ingestName, strings.TrimPrefix(msg.Subject, MutationSubjectPrefix+"."))
		}
		task := mutationTask{subject: msg.Subject, data: msg.Data, reply: msg.Reply}
		if err := i.pool.Submit(task); err != nil {
			i.logger.Warn("mutation rejected", "subject", msg.Subject, "error", err)
			i.respondError(msg.Reply, errors.WrapTransient(err, "Ingestor", "Submit", "queue mutation"))
		}
	})
	if err != nil {
		return errors.Wrap(err, "Ingestor", "Start", "subscribe mutation subjects")
	}

	i.logger.Info("graph ingestor started",
		"subject", MutationSubjectAll, "queue", ingestQueueGroup)
	return nil
}

// Stop drains the worker pool.
func (i *Ingestor) Stop(timeout time.Duration) error {
	return i.pool.Stop(timeout)
}

// Stats reports pool counters for health output.
func (i *Ingestor) Stats() (processed, rejected uint64, queued int) {
	return i.pool.Processed(), i.pool.Rejected(), i.pool.Queued()
}

func (i *Ingestor) handle(ctx context.Context, task mutationTask) {
	resp := i.apply(ctx, task)
	if task.reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		i.logger.Error("encode mutation response failed", "error", err)
		return
	}
	if err := i.client.Publish(ctx, task.reply, data); err != nil {
		i.logger.Warn("publish mutation response failed", "error", err)
	}
}

func (i *Ingestor) apply(ctx context.Context, task mutationTask) MutationResponse {
	op := strings.TrimPrefix(task.subject, MutationSubjectPrefix+".")
	start := time.Now()
	resp := i.route(ctx, op, task.data)
	if i.metrics != nil {
		i.metrics.RecordMutationProcessed(ingestName, op, resp.Status)
		i.metrics.RecordProcessingDuration(ingestName, op, time.Since(start))
	}
	return resp
}

func (i *Ingestor) route(ctx context.Context, op string, data []byte) MutationResponse {
	var req MutationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errResponse(errors.WrapInvalid(err, "Ingestor", "apply", "decode mutation request"))
	}

	switch op {
	case "node.create":
		if req.Node == nil {
			return errResponse(missingField("node"))
		}
		node, created, err := i.manager.CreateNode(ctx, req.Node)
		if err != nil {
			return errResponse(err)
		}
		return MutationResponse{Status: "ok", Created: &created, Node: node}

	case "node.update":
		if req.NodeID == "" {
			return errResponse(missingField("node_id"))
		}
		node, err := i.manager.UpdateNode(ctx, req.ProjectID, req.NodeID, req.Label, req.Metadata)
		if err != nil {
			return errResponse(err)
		}
		return MutationResponse{Status: "ok", Node: node}

	case "node.delete":
		if req.NodeID == "" {
			return errResponse(missingField("node_id"))
		}
		if err := i.manager.DeleteNode(ctx, req.ProjectID, req.NodeID); err != nil {
			return errResponse(err)
		}
		return MutationResponse{Status: "ok"}

	case "edge.create":
		if req.Edge == nil {
			return errResponse(missingField("edge"))
		}
		edge, err := i.manager.CreateEdge(ctx, req.Edge)
		if err != nil {
			return errResponse(err)
		}
		return MutationResponse{Status: "ok", Edge: edge}

	case "edge.delete":
		if req.EdgeRef == nil {
			return errResponse(missingField("edge_ref"))
		}
		if err := i.manager.DeleteEdge(ctx, req.ProjectID, *req.EdgeRef); err != nil {
			return errResponse(err)
		}
		return MutationResponse{Status: "ok"}

	case "invalidate":
		if err := i.manager.Invalidate(ctx, req.ProjectID, req.Reason); err != nil {
			return errResponse(err)
		}
		return MutationResponse{Status: "ok"}

	default:
		return errResponse(errors.WrapInvalid(
			fmt.Errorf("unknown mutation op %q", op),
			"Ingestor", "apply", "route mutation"))
	}
}

func (i *Ingestor) respondError(reply string, err error) {
	if reply == "" {
		return
	}
	data, mErr := json.Marshal(errResponse(err))
	if mErr != nil {
		return
	}
	if pErr := i.client.Publish(context.Background(), reply, data); pErr != nil {
		i.logger.Warn("publish rejection failed", "error", pErr)
	}
}

func errResponse(err error) MutationResponse {
	return MutationResponse{Status: "error", Error: err.Error()}
}

func missingField(name string) error {
	return errors.WrapInvalid(
		fmt.Errorf("missing required field %q", name),
		"Ingestor", "apply", "validate mutation request")
}
