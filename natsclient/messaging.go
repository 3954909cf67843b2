package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/latticeworks/lattice/errors"
)

// handlerTimeout bounds the processing of a single delivered message.
const handlerTimeout = 30 * time.Second

// Subscribe delivers raw payloads for subject to handler. Each invocation
// gets a context derived from ctx with the handler timeout applied.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	return nil
}

// SubscribeQueue joins a queue group on subject so competing consumers split
// the stream. The handler gets the whole message because queue consumers
// typically need the subject and reply inbox.
func (c *Client) SubscribeQueue(
	ctx context.Context, subject, queue string, handler func(context.Context, *nats.Msg),
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		handler(msgCtx, msg)
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data to subject. Publishing is fire and forget, so the
// context is unused beyond matching the transport interfaces.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Request sends data to subject and waits for one reply within the context
// deadline.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Request", "await reply")
	}
	return msg.Data, nil
}
