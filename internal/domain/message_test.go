package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeValid(t *testing.T) {
	assert.True(t, MessageTypeText.Valid())
	assert.True(t, MessageTypeVoice.Valid())
	assert.False(t, MessageType("video").Valid())
	assert.False(t, MessageType("").Valid())
}

func TestMessageJSONKeepsStreamingFlag(t *testing.T) {
	msg := Message{
		ID:             "01J0000000000000000000000",
		ConversationID: "c1",
		Role:           RoleAssistant,
		Streaming:      false,
		Timestamp:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"streaming":false`)
}

func TestFrameTerminal(t *testing.T) {
	tests := []struct {
		typ  FrameType
		want bool
	}{
		{FrameFragment, false},
		{FrameThinking, false},
		{FrameComplete, true},
		{FrameDone, true},
		{FrameError, true},
	}
	for _, tt := range tests {
		if got := (Frame{Type: tt.typ}).Terminal(); got != tt.want {
			t.Errorf("Frame{%s}.Terminal() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestNewEventEncodesPayload(t *testing.T) {
	ev := NewEvent(EventStreamDelta, "c1", StreamDeltaPayload{ExchangeID: "e1", Content: "Hel", Attempt: 1})
	assert.Equal(t, EventStreamDelta, ev.Type)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.False(t, ev.Timestamp.IsZero())

	var p StreamDeltaPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "Hel", p.Content)
	assert.Equal(t, 1, p.Attempt)
}

func TestNewEventNilPayload(t *testing.T) {
	ev := NewEvent(EventExchangeStarted, "c1", nil)
	assert.Nil(t, ev.Payload)
}
