package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventExchangeStarted   EventType = "exchange.started"
	EventExchangeRetrying  EventType = "exchange.retrying"
	EventExchangeCompleted EventType = "exchange.completed"
	EventExchangeFailed    EventType = "exchange.failed"
	EventExchangeAborted   EventType = "exchange.aborted"
	EventStreamThinking    EventType = "stream.thinking"
	EventStreamDelta       EventType = "stream.delta"
	EventStreamStalled     EventType = "stream.stalled"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. A payload that fails to encode
// is dropped; events are advisory.
func NewEvent(t EventType, conversationID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ConversationID: conversationID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
