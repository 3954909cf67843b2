package natsclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/latticeworks/lattice/errors"
)

// JetStream returns the JetStream context established during Connect.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateKeyValueBucket opens cfg.Bucket, creating it if missing. Concurrent
// creators race on the server side; the loser opens the winner's bucket.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		c.logger.Printf("Using existing KV bucket: %s", cfg.Bucket)
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				c.recordFailure()
				return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket",
					fmt.Sprintf("access existing bucket %s", cfg.Bucket))
			}
			c.logger.Printf("KV bucket %s was created concurrently, using it", cfg.Bucket)
			c.resetCircuit()
			return bucket, nil
		}
		c.recordFailure()
		return nil, err
	}

	c.logger.Printf("Created new KV bucket: %s", cfg.Bucket)
	c.resetCircuit()
	return bucket, nil
}

// GetKeyValueBucket opens an existing bucket.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, name)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	c.resetCircuit()
	return bucket, nil
}

// DeleteKeyValueBucket removes a bucket and its contents.
func (c *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	if err := c.gate(); err != nil {
		return err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}

	if err := js.DeleteKeyValue(ctx, name); err != nil {
		c.recordFailure()
		return err
	}

	c.resetCircuit()
	return nil
}

// ListKeyValueBuckets names every KV bucket on the server. Buckets are
// JetStream streams with a KV_ name prefix.
func (c *Client) ListKeyValueBuckets(ctx context.Context) ([]string, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	names := []string{}
	streams := js.ListStreams(ctx)
	for stream := range streams.Info() {
		if stream == nil {
			continue
		}
		if name, ok := strings.CutPrefix(stream.Config.Name, "KV_"); ok && name != "" {
			names = append(names, name)
		}
	}
	if err := streams.Err(); err != nil {
		c.recordFailure()
		return nil, err
	}

	c.resetCircuit()
	return names, nil
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "bucket name already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "stream name already in use")
}
