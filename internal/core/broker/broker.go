// Package broker carries events between the evaluation API and an
// asynchronous consumer.
//
// The publisher is an explicitly constructed handle, never a global. A
// deployment without a broker injects Disabled, whose Enabled reports false
// so callers fall back to synchronous evaluation instead of losing events.
// Published messages are picked up by Consumer, which re-runs evaluation
// for each one, so async mode defers work rather than dropping it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

var (
	// ErrClosed is returned by publishers and sources after Close.
	ErrClosed = errors.New("broker closed")

	// ErrMalformedMessage is returned by a source for a message that does
	// not decode. The consumer skips such messages.
	ErrMalformedMessage = errors.New("malformed broker message")
)

// Message is the wire form of a deferred evaluation.
type Message struct {
	Event     types.Document `json:"event"`
	Context   types.Document `json:"context"`
	EventID   types.EventID  `json:"event_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds a message, substituting an empty context when nil.
func NewMessage(eventID types.EventID, event, evalContext types.Document, now time.Time) Message {
	if evalContext == nil {
		evalContext = types.Document{}
	}
	return Message{
		Event:     event,
		Context:   evalContext,
		EventID:   eventID,
		Timestamp: now.UTC(),
	}
}

// Key is the partitioning key: the event id, else event.id when it is a
// string, else "unknown".
func (m Message) Key() string {
	if m.EventID != "" {
		return string(m.EventID)
	}
	if id, ok := m.Event["id"].(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// Encode serializes the message as JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a message, wrapping failures in ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Event == nil {
		return Message{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	if m.Context == nil {
		m.Context = types.Document{}
	}
	return m, nil
}

// Publisher hands events to a broker.
type Publisher interface {
	// Publish reports whether the broker accepted the message. A refusal
	// without error means the broker is reachable but declined (e.g. full).
	Publish(ctx context.Context, msg Message) (bool, error)

	// Enabled reports whether publishing is possible at all.
	Enabled() bool

	Close() error
}

// Source yields published messages to a consumer.
type Source interface {
	// Next blocks until a message is available or ctx is done.
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Disabled is the publisher used when no broker is configured.
type Disabled struct{}

var _ Publisher = Disabled{}

func (Disabled) Publish(context.Context, Message) (bool, error) { return false, types.ErrBrokerDisabled }
func (Disabled) Enabled() bool                                  { return false }
func (Disabled) Close() error                                   { return nil }
