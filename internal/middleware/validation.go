package middleware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
)

// MaxPayloadBytes bounds the payload of a published event.
const MaxPayloadBytes = 64 * 1024

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if !model.ValidConversationID(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidatePayload validates an event payload.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return errors.New("payload exceeds maximum size")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// ValidateMessageID validates an acknowledgement message ID of the form
// "<conversation_id>:<event_id>".
func ValidateMessageID(id string) error {
	conv, seq, ok := strings.Cut(id, ":")
	if !ok || !model.ValidConversationID(conv) {
		return errors.New("invalid message ID format")
	}
	if n, err := strconv.ParseUint(seq, 10, 64); err != nil || n == 0 {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ParseLastEventID parses a last-seen event id from a query value or the
// Last-Event-ID header. Empty means none was given.
func ParseLastEventID(values ...string) (*uint64, error) {
	for _, v := range values {
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.New("invalid last event ID")
		}
		return &n, nil
	}
	return nil, nil
}
