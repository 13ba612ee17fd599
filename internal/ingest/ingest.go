// Package ingest turns pub/sub messages into notification requests.
//
// Messages are JSON events; the topic selects a Route describing the
// notification to produce. Consumers exist for Kafka consumer groups and
// RabbitMQ topic exchanges. Both run until their context ends and are meant
// to be hosted by a restarting supervisor.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	kit "notifycore/internal/transport"
)

var (
	ErrMalformed = errors.New("malformed ingest event")
	ErrNoRoute   = errors.New("no route for topic")
)

// Event is the wire form of an ingested message.
type Event struct {
	Topic    string         `json:"topic"`
	Type     string         `json:"type,omitempty"`
	UserIDs  []string       `json:"user_ids"`
	Priority kit.Priority   `json:"priority,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Route describes the notification produced for a topic. Subject, Body and
// HTML are templates executed against the event payload.
type Route struct {
	Type     string        `json:"type" yaml:"type"`
	Priority kit.Priority  `json:"priority" yaml:"priority"`
	Channels []kit.Channel `json:"channels" yaml:"channels"`
	Subject  string        `json:"subject" yaml:"subject"`
	Body     string        `json:"body" yaml:"body"`
	HTML     string        `json:"html,omitempty" yaml:"html,omitempty"`
}

func (r Route) Validate() error {
	if strings.TrimSpace(r.Body) == "" && strings.TrimSpace(r.Subject) == "" {
		return errors.New("route needs a subject or body template")
	}
	if r.Priority != 0 && !r.Priority.Valid() {
		return fmt.Errorf("%w: %d", kit.ErrInvalidPriority, r.Priority)
	}
	for _, ch := range r.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: %q", kit.ErrUnknownChannel, ch)
		}
	}
	return nil
}

// Handler processes one decoded event. Returning ErrNoRoute (or an error
// wrapping it) marks the message as ignorable.
type Handler func(ctx context.Context, ev Event) error

// Decode parses a message body. topic, when set, overrides the body's topic
// so routing follows the transport.
func Decode(topic string, body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if topic != "" {
		ev.Topic = topic
	}
	if ev.Topic == "" {
		return Event{}, fmt.Errorf("%w: no topic", ErrMalformed)
	}
	if ev.Priority != 0 && !ev.Priority.Valid() {
		return Event{}, fmt.Errorf("%w: priority %d", ErrMalformed, ev.Priority)
	}
	return ev, nil
}

// outcome is what a consumer does with a message after handling.
type outcome int

const (
	ack outcome = iota
	drop
	requeue
)

func classify(err error) outcome {
	switch {
	case err == nil, errors.Is(err, ErrNoRoute):
		return ack
	case errors.Is(err, ErrMalformed):
		return drop
	default:
		return requeue
	}
}
