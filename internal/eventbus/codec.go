package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
)

// Subject returns the bus subject for a conversation.
func Subject(conversationID string) string {
	return SubjectPrefix + "." + conversationID
}

// ConversationFromSubject extracts the conversation id from a subject.
func ConversationFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok || !model.ValidConversationID(id) {
		return "", false
	}
	return id, true
}

// BusMessage is the payload carried on the bus. The event id is not part of
// it; ids are assigned locally by the replay log.
type BusMessage struct {
	ConversationID string          `json:"conversation_id"`
	Type           model.EventType `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequiresAck    bool            `json:"requires_ack,omitempty"`
	PublishedAt    time.Time       `json:"published_at"`
}

// Validate checks the message fields.
func (m BusMessage) Validate() error {
	if !model.ValidConversationID(m.ConversationID) {
		return fmt.Errorf("%w: bad conversation id %q", model.ErrInvalidEvent, m.ConversationID)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", model.ErrInvalidEvent, m.Type)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", model.ErrInvalidEvent)
	}
	return nil
}

// Event converts the message to an unnumbered event.
func (m BusMessage) Event() model.Event {
	return model.Event{
		ConversationID: m.ConversationID,
		Type:           m.Type,
		Payload:        m.Payload,
		RequiresAck:    m.RequiresAck,
		CreatedAt:      m.PublishedAt,
	}
}

// Encode validates and serializes m.
func Encode(m BusMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a bus message received on subject. The subject wins when the
// body omits the conversation id; a mismatch is rejected.
func Decode(subject string, data []byte) (BusMessage, error) {
	var m BusMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return BusMessage{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if conv, ok := ConversationFromSubject(subject); ok {
		if m.ConversationID == "" {
			m.ConversationID = conv
		} else if m.ConversationID != conv {
			return BusMessage{}, fmt.Errorf("%w: subject %s carries conversation %s", model.ErrInvalidEvent, subject, m.ConversationID)
		}
	}
	if err := m.Validate(); err != nil {
		return BusMessage{}, err
	}
	return m, nil
}
