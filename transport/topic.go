// Package transport exposes graph events over Server-Sent Events and
// WebSocket. Both transports are subscription views over the same event
// subjects: one published mutation reaches every connected client with an
// identical payload regardless of transport.
package transport

import (
	"fmt"
	"strings"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
)

// WildcardTopic subscribes to every graph event, narrowed to the implicit
// project scope when one is present.
const WildcardTopic = "graph.*"

// ParseTopic translates a client-facing topic to the event subject it
// subscribes. Supported forms:
//
//	project:{id}                          all events for one project
//	graph.*                               all events (scope narrows)
//	entity:{created|updated|deleted}:{p}  one node event type in project p
//	edge:{created|deleted}:{p}            one edge event type in project p
//
// Project ids are validated before they reach a subject, which also
// rejects wildcard injection.
func ParseTopic(topic, scope string) (string, error) {
	if topic == WildcardTopic {
		if scope != "" {
			return graph.ProjectEventsSubject(scope), nil
		}
		return graph.AllEventsSubject, nil
	}

	if id, ok := strings.CutPrefix(topic, "project:"); ok {
		if !graph.ValidProjectID(id) {
			return "", badTopic(topic, fmt.Sprintf("invalid project id %q", id))
		}
		return graph.ProjectEventsSubject(id), nil
	}

	if rest, ok := strings.CutPrefix(topic, "entity:"); ok {
		op, project, err := splitOpProject(topic, rest)
		if err != nil {
			return "", err
		}
		var t graph.EventType
		switch op {
		case "created":
			t = graph.EventNodeCreated
		case "updated":
			t = graph.EventNodeUpdated
		case "deleted":
			t = graph.EventNodeDeleted
		default:
			return "", badTopic(topic, fmt.Sprintf("entity op %q must be created, updated or deleted", op))
		}
		return graph.EventSubject(project, t), nil
	}

	if rest, ok := strings.CutPrefix(topic, "edge:"); ok {
		op, project, err := splitOpProject(topic, rest)
		if err != nil {
			return "", err
		}
		var t graph.EventType
		switch op {
		case "created":
			t = graph.EventEdgeCreated
		case "deleted":
			t = graph.EventEdgeDeleted
		default:
			return "", badTopic(topic, fmt.Sprintf("edge op %q must be created or deleted", op))
		}
		return graph.EventSubject(project, t), nil
	}

	return "", badTopic(topic, "unrecognized form")
}

// ParseTopics translates a set of topics, deduplicating subjects. The
// returned slices are parallel: topics[i] produced subjects[i].
func ParseTopics(topics []string, scope string) (subjects, kept []string, err error) {
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		subject, err := ParseTopic(topic, scope)
		if err != nil {
			return nil, nil, err
		}
		if seen[subject] {
			continue
		}
		seen[subject] = true
		subjects = append(subjects, subject)
		kept = append(kept, topic)
	}
	return subjects, kept, nil
}

func splitOpProject(topic, rest string) (op, project string, err error) {
	op, project, found := strings.Cut(rest, ":")
	if !found {
		return "", "", badTopic(topic, "missing project id")
	}
	if !graph.ValidProjectID(project) {
		return "", "", badTopic(topic, fmt.Sprintf("invalid project id %q", project))
	}
	return op, project, nil
}

func badTopic(topic, reason string) error {
	return errors.WrapInvalid(
		fmt.Errorf("topic %q: %s: %w", topic, reason, errors.ErrUnknownTopic),
		"Topic", "Parse", "parse topic")
}
