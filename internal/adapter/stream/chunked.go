package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"rolechat/internal/domain"
)

const chunkSize = 4096

// ChunkedTransport is the pull-style binding: it reads the response body chunk by
// chunk and leaves record framing to the Parser.
type ChunkedTransport struct {
	client   *http.Client
	endpoint Endpoint
	logger   *slog.Logger
}

var _ domain.StreamTransport = (*ChunkedTransport)(nil)

// NewChunkedTransport creates a chunked-body transport.
func NewChunkedTransport(client *http.Client, ep Endpoint, logger *slog.Logger) *ChunkedTransport {
	return &ChunkedTransport{client: client, endpoint: ep, logger: logger}
}

// Name implements domain.StreamTransport.
func (t *ChunkedTransport) Name() string { return "chunked" }

// Open implements domain.StreamTransport.
func (t *ChunkedTransport) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.RawEvent, error) {
	resp, err := openHTTPStream(ctx, t.client, t.endpoint, req, "text/event-stream, application/x-ndjson")
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.RawEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if !emit(ctx, ch, domain.RawEvent{Data: chunk}) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				t.logger.Debug("chunked stream dropped", "error", err)
				failIfLive(ctx, ch, err)
				return
			}
		}
	}()
	return ch, nil
}
