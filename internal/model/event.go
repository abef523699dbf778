// Package model defines data structures for the real-time delivery subsystem.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeMessage          EventType = "message"
	EventTypeTypingStart      EventType = "typing_start"
	EventTypeTypingStop       EventType = "typing_stop"
	EventTypeHandoffStarted   EventType = "handoff_started"
	EventTypeHandoffRequested EventType = "handoff_requested"
	EventTypeSystem           EventType = "system"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeMessage,
		EventTypeTypingStart,
		EventTypeTypingStop,
		EventTypeHandoffStarted,
		EventTypeHandoffRequested,
		EventTypeSystem:
		return true
	default:
		return false
	}
}

// ParseEventType converts a wire string to an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, s)
	}
	return t, nil
}

// Event is one conversation event. ID is assigned by the replay log and is
// monotonic per conversation, starting at 1. Events are passed by value and
// must not be mutated once appended; Payload is shared read-only.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	ID             uint64          `json:"id"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequiresAck    bool            `json:"requires_ack"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageID is the acknowledgement key for the event. Unique across conversations.
func (e Event) MessageID() string {
	return e.ConversationID + ":" + strconv.FormatUint(e.ID, 10)
}

// Envelope is the transport-agnostic wire shape sent to clients.
type Envelope struct {
	ID             uint64          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequiresAck    bool            `json:"requires_ack"`
	MessageID      string          `json:"message_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewEnvelope builds the wire envelope for e.
func NewEnvelope(e Event) Envelope {
	env := Envelope{
		ID:             e.ID,
		Type:           e.Type,
		ConversationID: e.ConversationID,
		Payload:        e.Payload,
		RequiresAck:    e.RequiresAck,
		CreatedAt:      e.CreatedAt,
	}
	if e.RequiresAck {
		env.MessageID = e.MessageID()
	}
	return env
}

// ReplayCompleteEvent marks the end of a catch-up backlog.
type ReplayCompleteEvent struct {
	LastEventID uint64 `json:"last_event_id"`
	EventCount  int    `json:"event_count"`
	Truncated   bool   `json:"truncated"`
}

// ConnectedEvent is the first frame sent on a new stream.
type ConnectedEvent struct {
	ConnectionID   string `json:"connection_id"`
	ConversationID string `json:"conversation_id"`
	HeartbeatSecs  int    `json:"heartbeat_interval_seconds"`
}

// ClosedEvent is the last frame sent before the server ends a stream.
type ClosedEvent struct {
	Reason CloseReason `json:"reason"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
