package stream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
)

// serviceName is sent as X-Service-Name so the gateway routes to the chat service.
const serviceName = "chat-service"

// Default connection pool settings: one host, a handful of concurrent streams,
// long-lived connections.
const (
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 8
	defaultIdleConnTimeout     = 90 * time.Second
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
)

// Endpoint identifies the chat-send stream endpoint.
type Endpoint struct {
	BaseURL   string
	Path      string
	AuthToken string
}

// URL returns the GET URL for req. Push-style transports are GET-only, so the
// payload travels in the query string.
func (e Endpoint) URL(req domain.StreamRequest) (string, error) {
	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + e.Path)
	if err != nil {
		return "", fmt.Errorf("%w: stream url: %v", domain.ErrTransportFailure, err)
	}
	q := u.Query()
	q.Set("conversation_id", req.ConversationID)
	q.Set("character_id", req.CharacterID)
	q.Set("content", req.Content)
	q.Set("message_type", string(req.MessageType))
	q.Set("user_id", req.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e Endpoint) headers(accept string) http.Header {
	h := http.Header{}
	h.Set("Accept", accept)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Service-Name", serviceName)
	if e.AuthToken != "" {
		h.Set("Authorization", "Bearer "+e.AuthToken)
	}
	return h
}

// NewHTTPClient returns a pooled client for streaming requests. It has no overall
// Timeout: stream lifetime is bounded by the attempt context instead.
func NewHTTPClient(cfg config.StreamConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	pool := cfg.Pool
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = defaultMaxIdleConns
	}
	if pool.MaxIdleConnsPerHost <= 0 {
		pool.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if pool.MaxConnsPerHost <= 0 {
		pool.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if pool.IdleConnTimeout <= 0 {
		pool.IdleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: respTimeout,
			MaxIdleConns:          pool.MaxIdleConns,
			MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:       pool.MaxConnsPerHost,
			IdleConnTimeout:       pool.IdleConnTimeout,
		},
	}
}

// openHTTPStream issues the GET and returns the open response. The caller owns
// resp.Body. Failures to connect and non-200 statuses wrap ErrTransportFailure.
func openHTTPStream(ctx context.Context, client *http.Client, ep Endpoint, req domain.StreamRequest, accept string) (*http.Response, error) {
	target, err := ep.URL(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrTransportFailure, err)
	}
	httpReq.Header = ep.headers(accept)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mapStatusError(resp.StatusCode, body)
	}
	return resp, nil
}

// mapStatusError turns a non-200 stream response into a transport failure. Auth
// rejections also wrap ErrAuthInvalid so callers can tell them apart in logs.
func mapStatusError(status int, body []byte) error {
	detail := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %w: %s", domain.ErrTransportFailure, domain.ErrAuthInvalid, detail)
	}
	return fmt.Errorf("%w: %s", domain.ErrTransportFailure, detail)
}

// emit sends ev unless ctx is done. It reports whether the consumer is still listening.
func emit(ctx context.Context, ch chan<- domain.RawEvent, ev domain.RawEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// failIfLive reports a mid-stream failure unless the drop was caused by cancellation.
func failIfLive(ctx context.Context, ch chan<- domain.RawEvent, err error) {
	if ctx.Err() != nil {
		return
	}
	emit(ctx, ch, domain.RawEvent{Err: fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)})
}
