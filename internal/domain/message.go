package domain

import "time"

// Role constants for message authors.
const (
	RoleUser      = "user"
	RoleAssistant = "ai"
)

// MessageType is how the user authored the message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeVoice MessageType = "voice"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeVoice
}

// Message is a UI-visible chat message. The AI placeholder of an exchange is a Message
// with Streaming set from creation until the exchange reaches a terminal outcome.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	Streaming      bool        `json:"streaming"`
	// ServerID is the id the backend assigned on completion. ID never changes.
	ServerID  string    `json:"server_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Exchange is one user message paired with its AI reply.
type Exchange struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	CharacterID    string      `json:"character_id"`
	UserID         string      `json:"user_id,omitempty"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`

	// Filled in by the session controller.
	PlaceholderID string `json:"placeholder_id"`
	Reply         string `json:"reply,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
	Degraded      bool   `json:"degraded,omitempty"`
	Attempts      int    `json:"attempts"`
}

// Conversation is the chat service's view of a conversation.
type Conversation struct {
	ID           string    `json:"id"`
	CharacterID  string    `json:"character_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
