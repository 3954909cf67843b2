package graph

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/natsclient"
)

// KVConfig carries the JetStream bucket settings for the KV store.
type KVConfig struct {
	NodesBucket string        `json:"nodes_bucket" yaml:"nodes_bucket"`
	EdgesBucket string        `json:"edges_bucket" yaml:"edges_bucket"`
	TTL         time.Duration `json:"ttl" yaml:"ttl"`
	History     uint8         `json:"history" yaml:"history"`
	Replicas    int           `json:"replicas" yaml:"replicas"`
}

// DefaultKVConfig returns the bucket settings used when none are configured.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		NodesBucket: "graph_nodes",
		EdgesBucket: "graph_edges",
		History:     1,
		Replicas:    1,
	}
}

// KVStore persists project graphs in JetStream KV buckets.
//
// Node keys are "{project}.{node id}" with ":" encoded as "=" so they stay
// within the KV key charset and remain readable in the NATS CLI. Edge keys
// are "{project}.{digest}" where the digest hashes the edge identity;
// edge values carry the full JSON so keys never need to be parsed back.
type KVStore struct {
	client *natsclient.Client
	config KVConfig

	initMu      sync.Mutex
	initialized bool
	nodes       jetstream.KeyValue
	edges       jetstream.KeyValue
}

// NewKVStore creates a KV store. Buckets are bound lazily on first use.
func NewKVStore(client *natsclient.Client, config KVConfig) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nats client is nil"),
			"KVStore", "NewKVStore", "check client")
	}
	def := DefaultKVConfig()
	if config.NodesBucket == "" {
		config.NodesBucket = def.NodesBucket
	}
	if config.EdgesBucket == "" {
		config.EdgesBucket = def.EdgesBucket
	}
	if config.History == 0 {
		config.History = def.History
	}
	if config.Replicas == 0 {
		config.Replicas = def.Replicas
	}
	return &KVStore{client: client, config: config}, nil
}

func (s *KVStore) ensureBuckets(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return nil
	}

	// The two bucket binds are independent JetStream calls.
	var nodes, edges jetstream.KeyValue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kv, err := s.client.CreateKeyValueBucket(gctx, jetstream.KeyValueConfig{
			Bucket:   s.config.NodesBucket,
			TTL:      s.config.TTL,
			History:  s.config.History,
			Replicas: s.config.Replicas,
		})
		if err != nil {
			return errors.Wrap(err, "KVStore", "ensureBuckets",
				fmt.Sprintf("bind bucket %s", s.config.NodesBucket))
		}
		nodes = kv
		return nil
	})
	g.Go(func() error {
		kv, err := s.client.CreateKeyValueBucket(gctx, jetstream.KeyValueConfig{
			Bucket:   s.config.EdgesBucket,
			TTL:      s.config.TTL,
			History:  s.config.History,
			Replicas: s.config.Replicas,
		})
		if err != nil {
			return errors.Wrap(err, "KVStore", "ensureBuckets",
				fmt.Sprintf("bind bucket %s", s.config.EdgesBucket))
		}
		edges = kv
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.nodes = nodes
	s.edges = edges
	s.initialized = true
	return nil
}

func encodeKeyPart(id string) string {
	return strings.ReplaceAll(id, ":", "=")
}

func (s *KVStore) nodeKey(projectID, nodeID string) string {
	return projectID + "." + encodeKeyPart(nodeID)
}

func (s *KVStore) edgeKey(projectID, identity string) string {
	sum := blake3.Sum256([]byte(identity))
	return projectID + "." + hex.EncodeToString(sum[:16])
}

// GetNode returns one node.
func (s *KVStore) GetNode(ctx context.Context, projectID, nodeID string) (*Node, error) {
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}

	entry, err := s.nodes.Get(ctx, s.nodeKey(projectID, nodeID))
	if err != nil {
		if isKeyNotFound(err) {
			return nil, notFound("KVStore", "GetNode", "node", nodeID, errors.ErrNodeNotFound)
		}
		return nil, errors.WrapTransient(err, "KVStore", "GetNode", "read node")
	}

	var node Node
	if err := json.Unmarshal(entry.Value(), &node); err != nil {
		return nil, errors.WrapFatal(err, "KVStore", "GetNode", "decode node")
	}
	return &node, nil
}

// ListNodes returns the project's nodes, optionally filtered by type.
func (s *KVStore) ListNodes(ctx context.Context, projectID string, types []EntityType) ([]*Node, error) {
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}

	var wanted map[EntityType]bool
	if len(types) > 0 {
		wanted = make(map[EntityType]bool, len(types))
		for _, t := range types {
			wanted[t] = true
		}
	}

	var nodes []*Node
	err := s.eachValue(ctx, s.nodes, projectID, func(value []byte) error {
		var node Node
		if err := json.Unmarshal(value, &node); err != nil {
			return errors.WrapFatal(err, "KVStore", "ListNodes", "decode node")
		}
		if wanted != nil && !wanted[node.EntityType] {
			return nil
		}
		nodes = append(nodes, &node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ListEdges returns all edges in the project.
func (s *KVStore) ListEdges(ctx context.Context, projectID string) ([]*Edge, error) {
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := s.eachValue(ctx, s.edges, projectID, func(value []byte) error {
		var edge Edge
		if err := json.Unmarshal(value, &edge); err != nil {
			return errors.WrapFatal(err, "KVStore", "ListEdges", "decode edge")
		}
		edges = append(edges, &edge)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return edges, nil
}

// Outgoing returns edges leaving nodeID.
func (s *KVStore) Outgoing(ctx context.Context, projectID, nodeID string) ([]*Edge, error) {
	return s.adjacent(ctx, projectID, nodeID, true)
}

// Incoming returns edges arriving at nodeID.
func (s *KVStore) Incoming(ctx context.Context, projectID, nodeID string) ([]*Edge, error) {
	return s.adjacent(ctx, projectID, nodeID, false)
}

func (s *KVStore) adjacent(ctx context.Context, projectID, nodeID string, outgoing bool) ([]*Edge, error) {
	all, err := s.ListEdges(ctx, projectID)
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, edge := range all {
		if (outgoing && edge.From == nodeID) || (!outgoing && edge.To == nodeID) {
			matched = append(matched, edge)
		}
	}
	return matched, nil
}

// Projects lists the project ids present in the nodes bucket.
func (s *KVStore) Projects(ctx context.Context) ([]string, error) {
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}

	lister, err := s.nodes.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Projects", "list keys")
	}
	defer lister.Stop()

	seen := make(map[string]bool)
	for key := range lister.Keys() {
		project, _, found := strings.Cut(key, ".")
		if found && project != "" {
			seen[project] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PutNode creates or replaces a node.
func (s *KVStore) PutNode(ctx context.Context, node *Node) (*Node, bool, error) {
	if err := node.Validate(); err != nil {
		return nil, false, err
	}
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, false, err
	}

	key := s.nodeKey(node.ProjectID, node.ID)
	stored := node.Clone()
	now := time.Now().UTC()
	created := true

	if entry, err := s.nodes.Get(ctx, key); err == nil {
		created = false
		var existing Node
		if err := json.Unmarshal(entry.Value(), &existing); err == nil {
			stored.CreatedAt = existing.CreatedAt
		}
	} else if !isKeyNotFound(err) {
		return nil, false, errors.WrapTransient(err, "KVStore", "PutNode", "read node")
	}

	if created && stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, false, errors.WrapInvalid(err, "KVStore", "PutNode", "encode node")
	}
	if _, err := s.nodes.Put(ctx, key, data); err != nil {
		return nil, false, errors.WrapTransient(err, "KVStore", "PutNode", "write node")
	}
	return stored, created, nil
}

// UpdateNode applies a label change and shallow metadata merge.
func (s *KVStore) UpdateNode(
	ctx context.Context,
	projectID, nodeID string,
	label *string,
	metadata map[string]any,
) (*Node, error) {
	node, err := s.GetNode(ctx, projectID, nodeID)
	if err != nil {
		return nil, err
	}

	if label != nil {
		node.Label = *label
	}
	if len(metadata) > 0 {
		if node.Metadata == nil {
			node.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			node.Metadata[k] = v
		}
	}
	node.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(node)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "UpdateNode", "encode node")
	}
	if _, err := s.nodes.Put(ctx, s.nodeKey(projectID, nodeID), data); err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "UpdateNode", "write node")
	}
	return node, nil
}

// DeleteNode removes the node and cascades edges in both directions.
func (s *KVStore) DeleteNode(ctx context.Context, projectID, nodeID string) ([]*Edge, error) {
	if _, err := s.GetNode(ctx, projectID, nodeID); err != nil {
		return nil, err
	}

	all, err := s.ListEdges(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var removed []*Edge
	for _, edge := range all {
		if edge.From != nodeID && edge.To != nodeID {
			continue
		}
		if err := s.edges.Delete(ctx, s.edgeKey(projectID, edge.Key())); err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "DeleteNode", "delete edge")
		}
		removed = append(removed, edge)
	}

	if err := s.nodes.Delete(ctx, s.nodeKey(projectID, nodeID)); err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "DeleteNode", "delete node")
	}
	return removed, nil
}

// PutEdge creates an edge or refreshes the weight of an existing identity.
func (s *KVStore) PutEdge(ctx context.Context, edge *Edge) (*Edge, bool, error) {
	if err := edge.Validate(); err != nil {
		return nil, false, err
	}
	if _, err := s.GetNode(ctx, edge.ProjectID, edge.From); err != nil {
		return nil, false, err
	}
	if _, err := s.GetNode(ctx, edge.ProjectID, edge.To); err != nil {
		return nil, false, err
	}

	key := s.edgeKey(edge.ProjectID, edge.Key())
	stored := edge.Clone()
	created := true

	if entry, err := s.edges.Get(ctx, key); err == nil {
		created = false
		var existing Edge
		if err := json.Unmarshal(entry.Value(), &existing); err == nil {
			stored.CreatedAt = existing.CreatedAt
		}
	} else if !isKeyNotFound(err) {
		return nil, false, errors.WrapTransient(err, "KVStore", "PutEdge", "read edge")
	}

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, false, errors.WrapInvalid(err, "KVStore", "PutEdge", "encode edge")
	}
	if _, err := s.edges.Put(ctx, key, data); err != nil {
		return nil, false, errors.WrapTransient(err, "KVStore", "PutEdge", "write edge")
	}
	return stored, created, nil
}

// DeleteEdge removes one edge by identity.
func (s *KVStore) DeleteEdge(ctx context.Context, projectID string, ref EdgeRef) error {
	if err := s.ensureBuckets(ctx); err != nil {
		return err
	}

	key := s.edgeKey(projectID, ref.Key())
	if _, err := s.edges.Get(ctx, key); err != nil {
		if isKeyNotFound(err) {
			return notFound("KVStore", "DeleteEdge", "edge", ref.Key(), errors.ErrEdgeNotFound)
		}
		return errors.WrapTransient(err, "KVStore", "DeleteEdge", "read edge")
	}
	if err := s.edges.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "KVStore", "DeleteEdge", "delete edge")
	}
	return nil
}

// eachValue visits every value under one project prefix.
func (s *KVStore) eachValue(
	ctx context.Context,
	bucket jetstream.KeyValue,
	projectID string,
	fn func(value []byte) error,
) error {
	lister, err := bucket.ListKeysFiltered(ctx, projectID+".>")
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "eachValue", "list keys")
	}
	defer lister.Stop()

	for key := range lister.Keys() {
		entry, err := bucket.Get(ctx, key)
		if err != nil {
			if isKeyNotFound(err) {
				continue
			}
			return errors.WrapTransient(err, "KVStore", "eachValue", "read value")
		}
		if err := fn(entry.Value()); err != nil {
			return err
		}
	}
	return nil
}

func isKeyNotFound(err error) bool {
	return stderrors.Is(err, jetstream.ErrKeyNotFound)
}
