package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"rolechat/internal/domain"
)

// timeLayout is the service's timestamp format (local wall time, no zone).
const timeLayout = "2006-01-02 15:04:05"

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// flexID accepts ids sent as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// wireTime accepts the service layout and RFC 3339.
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(bytes.TrimSpace(b)))
	if err != nil || s == "" {
		*t = wireTime{}
		return nil
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*t = wireTime(parsed)
			return nil
		}
	}
	*t = wireTime{}
	return nil
}

type wireConversation struct {
	ID              flexID   `json:"id"`
	CharacterID     flexID   `json:"character_id"`
	Title           string   `json:"title"`
	StartTime       wireTime `json:"start_time"`
	LastMessageTime wireTime `json:"last_message_time"`
	CreatedAt       wireTime `json:"created_at"`
	UpdatedAt       wireTime `json:"updated_at"`
	MessageCount    int      `json:"message_count"`
	LastMessage     string   `json:"last_message"`
}

func (w wireConversation) toDomain() domain.Conversation {
	created := time.Time(w.CreatedAt)
	if created.IsZero() {
		created = time.Time(w.StartTime)
	}
	updated := time.Time(w.UpdatedAt)
	if updated.IsZero() {
		updated = time.Time(w.LastMessageTime)
	}
	return domain.Conversation{
		ID:           string(w.ID),
		CharacterID:  string(w.CharacterID),
		Title:        w.Title,
		MessageCount: w.MessageCount,
		LastMessage:  w.LastMessage,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}
}

// conversationEnvelope accepts the conversation either nested under "conversation" or
// as the payload itself.
type conversationEnvelope struct {
	wireConversation
	Conversation *wireConversation `json:"conversation"`
}

func (c conversationEnvelope) pick() wireConversation {
	if c.Conversation != nil {
		return *c.Conversation
	}
	return c.wireConversation
}

type conversationList struct {
	List    []wireConversation `json:"list"`
	Total   int64              `json:"total"`
	Page    int                `json:"page"`
	HasMore bool               `json:"has_more"`
}

// wireMessage carries the author in "type" ("user" or "ai"); some deployments send
// "role" instead.
type wireMessage struct {
	ID             flexID   `json:"id"`
	ConversationID flexID   `json:"conversation_id"`
	Type           string   `json:"type"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	Timestamp      wireTime `json:"timestamp"`
}

func (w wireMessage) toDomain(conversationID string) domain.Message {
	role := w.Role
	if role == "" {
		role = w.Type
	}
	if role == "assistant" {
		role = domain.RoleAssistant
	}
	convID := string(w.ConversationID)
	if convID == "" {
		convID = conversationID
	}
	return domain.Message{
		ID:             string(w.ID),
		ConversationID: convID,
		Role:           role,
		Content:        w.Content,
		ServerID:       string(w.ID),
		Timestamp:      time.Time(w.Timestamp),
	}
}

type messageList struct {
	Messages []wireMessage `json:"messages"`
	List     []wireMessage `json:"list"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	HasMore  bool          `json:"has_more"`
}
