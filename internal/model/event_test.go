package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMessageID(t *testing.T) {
	ev := Event{ConversationID: "42", ID: 7}
	assert.Equal(t, "42:7", ev.MessageID())
}

func TestNewEnvelope(t *testing.T) {
	plain := NewEnvelope(Event{ConversationID: "42", ID: 1, Type: EventTypeTypingStart})
	assert.Empty(t, plain.MessageID, "message ids are only sent for ack-requiring events")

	acked := NewEnvelope(Event{ConversationID: "42", ID: 2, Type: EventTypeMessage, RequiresAck: true})
	assert.Equal(t, "42:2", acked.MessageID)
	assert.True(t, acked.RequiresAck)
}

func TestParseEventType(t *testing.T) {
	got, err := ParseEventType("handoff_started")
	require.NoError(t, err)
	assert.Equal(t, EventTypeHandoffStarted, got)

	_, err = ParseEventType("reboot")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseChannelKind(t *testing.T) {
	k, err := ParseChannelKind("")
	require.NoError(t, err)
	assert.Equal(t, ChannelEmbeddedWidget, k)

	k, err = ParseChannelKind("operator_console")
	require.NoError(t, err)
	assert.Equal(t, ChannelOperatorConsole, k)

	_, err = ParseChannelKind("fax")
	assert.Error(t, err)
}

func TestValidConversationID(t *testing.T) {
	assert.True(t, ValidConversationID("conv_1-A"))
	assert.False(t, ValidConversationID("conv.1"))
	assert.False(t, ValidConversationID(""))
}
