package domain

import "context"

// FrameType tags a decoded stream frame.
type FrameType string

const (
	FrameFragment FrameType = "message"
	FrameComplete FrameType = "complete"
	FrameDone     FrameType = "done"
	FrameError    FrameType = "error"
	FrameThinking FrameType = "thinking"
)

// Fragment modes. Incremental fragments are appended; snapshots replace.
const (
	FragmentModeAppend  = "append"
	FragmentModeReplace = "replace"
)

// Frame is one decoded protocol record.
type Frame struct {
	Type      FrameType
	MessageID string
	Content   string
	// HasContent distinguishes an absent content field from an empty one, so a
	// Complete{content:""} still overrides the accumulated text.
	HasContent bool
	// Message carries the remote error text for FrameError.
	Message string
	// Mode is FragmentModeAppend or FragmentModeReplace when the frame declares one.
	Mode string
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameDone || f.Type == FrameError
}

// RawEvent is one unit yielded by a stream transport. Pull-style transports yield byte
// chunks that may split records; push-style transports yield one complete record
// payload per event (Record set). A non-nil Err is terminal and wraps
// ErrTransportFailure.
type RawEvent struct {
	Data   []byte
	Record bool
	Err    error
}

// StreamRequest is the payload of one chat-send streaming request.
type StreamRequest struct {
	ConversationID string
	CharacterID    string
	Content        string
	MessageType    MessageType
	UserID         string
}

// StreamTransport opens one streaming request per call. The returned channel is finite
// and closed when the remote ends the stream, on error, or when ctx is cancelled; the
// network resource is released on every one of those paths.
type StreamTransport interface {
	Open(ctx context.Context, req StreamRequest) (<-chan RawEvent, error)
	Name() string
}

// FrameDecoder turns transport events into frames, in arrival order. One decoder
// serves one attempt.
type FrameDecoder interface {
	Feed(ev RawEvent) []Frame
	// Flush decodes whatever is left buffered at end of stream.
	Flush() []Frame
}

// StreamDeltaPayload is the payload for EventStreamDelta events.
type StreamDeltaPayload struct {
	ExchangeID    string `json:"exchange_id"`
	PlaceholderID string `json:"placeholder_id"`
	Content       string `json:"content"`
	Attempt       int    `json:"attempt"`
}

// StreamStalledPayload is the payload for EventStreamStalled events.
type StreamStalledPayload struct {
	ExchangeID string `json:"exchange_id"`
	Attempt    int    `json:"attempt"`
	NoData     bool   `json:"no_data"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// ExchangeCompletedPayload is the payload for EventExchangeCompleted events.
type ExchangeCompletedPayload struct {
	ExchangeID    string `json:"exchange_id"`
	PlaceholderID string `json:"placeholder_id"`
	Content       string `json:"content"`
	Degraded      bool   `json:"degraded,omitempty"`
	Attempts      int    `json:"attempts"`
}

// ExchangeFailedPayload is the payload for EventExchangeFailed and EventExchangeAborted.
type ExchangeFailedPayload struct {
	ExchangeID string    `json:"exchange_id"`
	Error      string    `json:"error"`
	Code       ErrorCode `json:"code"`
	Partial    string    `json:"partial,omitempty"`
	Removed    bool      `json:"removed"`
}

// ExchangeRetryingPayload is the payload for EventExchangeRetrying events.
type ExchangeRetryingPayload struct {
	ExchangeID string    `json:"exchange_id"`
	Attempt    int       `json:"attempt"`
	DelayMS    int64     `json:"delay_ms"`
	Code       ErrorCode `json:"code"`
}
