package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"rolechat/internal/domain"
)

// WebSocketTransport is a push-style binding: the server sends one frame payload per
// websocket message and closes with StatusNormalClosure when done.
type WebSocketTransport struct {
	client   *http.Client
	endpoint Endpoint
	logger   *slog.Logger
}

var _ domain.StreamTransport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a websocket transport. The endpoint's http(s) base URL
// is dialled as ws(s).
func NewWebSocketTransport(client *http.Client, ep Endpoint, logger *slog.Logger) *WebSocketTransport {
	return &WebSocketTransport{client: client, endpoint: ep, logger: logger}
}

// Name implements domain.StreamTransport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Open implements domain.StreamTransport.
func (t *WebSocketTransport) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.RawEvent, error) {
	target, err := t.endpoint.URL(req)
	if err != nil {
		return nil, err
	}
	target = toWebSocketURL(target)

	headers := t.endpoint.headers("application/json")
	headers.Del("Cache-Control")
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil {
			return nil, mapStatusError(resp.StatusCode, []byte(err.Error()))
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransportFailure, t.endpoint.Path, err)
	}
	conn.SetReadLimit(maxPending)

	ch := make(chan domain.RawEvent, 16)
	go func() {
		defer close(ch)
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				t.logger.Debug("websocket stream dropped", "error", err)
				failIfLive(ctx, ch, err)
				return
			}
			if !emit(ctx, ch, domain.RawEvent{Data: data, Record: true}) {
				return
			}
		}
	}()
	return ch, nil
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
