// Package store provides domain.MessageStore implementations.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"rolechat/internal/domain"
)

// Memory is an in-process MessageStore. Messages keep insertion order per conversation;
// a replaced message keeps its position.
type Memory struct {
	mu     sync.RWMutex
	convs  map[string][]domain.Message
	owners map[string]string // message id -> conversation id
}

var _ domain.MessageStore = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		convs:  make(map[string][]domain.Message),
		owners: make(map[string]string),
	}
}

func (m *Memory) AppendOrReplaceMessage(_ context.Context, conversationID string, msg domain.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is empty", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.ConversationID = conversationID
	if owner, ok := m.owners[msg.ID]; ok {
		msgs := m.convs[owner]
		i := m.indexLocked(owner, msg.ID)
		if owner == conversationID {
			msgs[i] = msg
			return nil
		}
		m.convs[owner] = slices.Delete(msgs, i, i+1)
	}
	m.convs[conversationID] = append(m.convs[conversationID], msg)
	m.owners[msg.ID] = conversationID
	return nil
}

func (m *Memory) UpdateMessageContent(_ context.Context, messageID, content string) error {
	return m.mutate(messageID, func(msg *domain.Message) { msg.Content = content })
}

func (m *Memory) SetStreaming(_ context.Context, messageID string, streaming bool) error {
	err := m.mutate(messageID, func(msg *domain.Message) { msg.Streaming = streaming })
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func (m *Memory) RemoveMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[messageID]
	if !ok {
		return nil
	}
	i := m.indexLocked(owner, messageID)
	m.convs[owner] = slices.Delete(m.convs[owner], i, i+1)
	delete(m.owners, messageID)
	return nil
}

func (m *Memory) Messages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.convs[conversationID]), nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) mutate(messageID string, fn func(*domain.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[messageID]
	if !ok {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	fn(&m.convs[owner][m.indexLocked(owner, messageID)])
	return nil
}

func (m *Memory) indexLocked(conversationID, messageID string) int {
	return slices.IndexFunc(m.convs[conversationID], func(msg domain.Message) bool {
		return msg.ID == messageID
	})
}
