package domain

import "context"

// MessageStore is the controller's only write surface into application state.
type MessageStore interface {
	// AppendOrReplaceMessage inserts msg into the conversation, or replaces the stored
	// message with the same ID in place.
	AppendOrReplaceMessage(ctx context.Context, conversationID string, msg Message) error
	// UpdateMessageContent sets the content of an existing message.
	UpdateMessageContent(ctx context.Context, messageID, content string) error
	// SetStreaming flips the streaming flag of a message; an unknown id is ignored.
	SetStreaming(ctx context.Context, messageID string, streaming bool) error
	// RemoveMessage deletes a message; removing an unknown id is not an error.
	RemoveMessage(ctx context.Context, messageID string) error
	// Messages returns the conversation's messages in insertion order.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
}
