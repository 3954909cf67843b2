package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/natsclient"
)

// Bus is the event fan-in surface the transports consume. NATS backs it
// in distributed deployments; LocalBus backs standalone deployments and
// tests. Handlers must not block: both implementations call them from
// delivery goroutines shared with other subscribers.
type Bus interface {
	// Subscribe registers a handler for every event matching the subject
	// filter (NATS wildcard semantics).
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
}

// Subscription is one active subject subscription.
type Subscription interface {
	// Drain delivers pending events then removes the subscription.
	Drain() error
}

// NATSBus adapts the NATS client to the Bus interface. Subscriptions go
// through the raw connection so each one carries its own handle and can
// be drained independently when a client disconnects.
type NATSBus struct {
	client *natsclient.Client
}

// NewNATSBus wraps a connected NATS client.
func NewNATSBus(client *natsclient.Client) *NATSBus {
	return &NATSBus{client: client}
}

// Subscribe registers a handler on the NATS connection.
func (b *NATSBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	conn := b.client.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(
			errors.ErrNoConnection, "NATSBus", "Subscribe", "get connection")
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBus", "Subscribe", "subscribe "+subject)
	}
	return sub, nil
}

// LocalBus is an in-process event bus with NATS wildcard matching. It
// implements graph.Emitter on the publish side, so a standalone
// deployment wires the graph manager and both transports to the same bus
// without a broker.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[uint64]*localSub
	next uint64
}

type localSub struct {
	bus     *LocalBus
	id      uint64
	filter  []string
	handler func(data []byte)
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uint64]*localSub)}
}

// Subscribe registers a handler for subjects matching the filter.
func (b *LocalBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	if subject == "" || handler == nil {
		return nil, errors.WrapInvalid(
			errors.ErrUnknownTopic, "LocalBus", "Subscribe", "check subscription")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := &localSub{
		bus:     b,
		id:      b.next,
		filter:  strings.Split(subject, "."),
		handler: handler,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers data to every matching subscriber synchronously.
func (b *LocalBus) Publish(subject string, data []byte) {
	b.mu.RLock()
	matched := make([]*localSub, 0, len(b.subs))
	for _, sub := range b.subs {
		if subjectMatches(sub.filter, subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(data)
	}
}

// Emit implements graph.Emitter by publishing the encoded event on its
// subject. Encoding failures are silently dropped, matching the
// fire-and-forget emitter contract.
func (b *LocalBus) Emit(_ context.Context, event graph.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.Publish(event.Subject(), data)
}

// Drain removes the subscription. The local bus delivers synchronously,
// so there is never anything pending.
func (s *localSub) Drain() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// subjectMatches applies NATS wildcard semantics: "*" matches exactly one
// token, ">" matches one or more trailing tokens.
func subjectMatches(filter []string, subject string) bool {
	tokens := strings.Split(subject, ".")
	i := 0
	for ; i < len(filter); i++ {
		if filter[i] == ">" {
			return i < len(tokens)
		}
		if i >= len(tokens) {
			return false
		}
		if filter[i] != "*" && filter[i] != tokens[i] {
			return false
		}
	}
	return i == len(tokens)
}
