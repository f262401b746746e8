package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"rolechat/internal/domain"
)

// eventSource is a push-style SSE reader: it invokes onEvent once per dispatched event
// with the joined data lines, then onClose exactly once. onClose gets nil on a clean
// end of stream.
type eventSource struct {
	body    io.Reader
	onEvent func(data []byte) bool
	onClose func(err error)
}

func (s *eventSource) run() {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxPending)

	var data [][]byte
	dispatch := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := bytes.Join(data, []byte("\n"))
		data = nil
		return s.onEvent(payload)
	}

	for scanner.Scan() {
		line := bytes.TrimSuffix(scanner.Bytes(), []byte("\r"))
		switch {
		case len(line) == 0:
			if !dispatch() {
				s.onClose(nil)
				return
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, dataPrefix):
			// Newline-delimited streams never send the blank line; a buffered
			// record that already decodes is its own event.
			if len(data) > 0 && completeRecord(bytes.Join(data, []byte("\n"))) && !dispatch() {
				s.onClose(nil)
				return
			}
			v := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
			data = append(data, append([]byte(nil), v...))
		default:
			// event:, id:, retry: carry nothing the pipeline uses.
		}
	}
	if err := scanner.Err(); err != nil {
		s.onClose(err)
		return
	}
	dispatch()
	s.onClose(nil)
}

func completeRecord(payload []byte) bool {
	payload = bytes.TrimSpace(payload)
	return bytes.Equal(payload, doneMarker) || json.Valid(payload)
}

// SSETransport is the push-style binding over text/event-stream.
type SSETransport struct {
	client   *http.Client
	endpoint Endpoint
	logger   *slog.Logger
}

var _ domain.StreamTransport = (*SSETransport)(nil)

// NewSSETransport creates an SSE transport.
func NewSSETransport(client *http.Client, ep Endpoint, logger *slog.Logger) *SSETransport {
	return &SSETransport{client: client, endpoint: ep, logger: logger}
}

// Name implements domain.StreamTransport.
func (t *SSETransport) Name() string { return "sse" }

// Open implements domain.StreamTransport. Each SSE event becomes one record event.
func (t *SSETransport) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.RawEvent, error) {
	resp, err := openHTTPStream(ctx, t.client, t.endpoint, req, "text/event-stream")
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.RawEvent, 16)
	src := &eventSource{
		body: resp.Body,
		onEvent: func(data []byte) bool {
			return emit(ctx, ch, domain.RawEvent{Data: data, Record: true})
		},
		onClose: func(err error) {
			if err != nil {
				t.logger.Debug("sse stream dropped", "error", err)
				failIfLive(ctx, ch, err)
			}
		},
	}

	go func() {
		defer close(ch)
		defer resp.Body.Close()
		src.run()
	}()
	return ch, nil
}
