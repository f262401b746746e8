// Package api is the client for the chat service's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
	"rolechat/internal/infra/tracer"
)

const (
	serviceName     = "chat-service"
	maxResponseBody = 4 * 1024 * 1024
	defaultTimeout  = 30 * time.Second
)

// Client calls the chat service. Every response is a {code, msg|message, data}
// envelope; code 0 or 200 is success.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Client from the api config section.
func New(cfg config.APIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// PageRequest selects a page of a listing. Zero values use the service defaults.
type PageRequest struct {
	Page     int
	PageSize int
	// BeforeID pages messages backwards from a message id.
	BeforeID string
	// CharacterID filters conversation listings.
	CharacterID string
}

func (p PageRequest) query(defaultSize int) url.Values {
	q := url.Values{}
	page, size := p.Page, p.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultSize
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	if p.BeforeID != "" {
		q.Set("before_id", p.BeforeID)
	}
	if p.CharacterID != "" {
		q.Set("character_id", p.CharacterID)
	}
	return q
}

// ConversationPage is one page of a conversation listing.
type ConversationPage struct {
	Conversations []domain.Conversation
	Total         int64
	Page          int
	HasMore       bool
}

// MessagePage is one page of a conversation's history.
type MessagePage struct {
	Messages []domain.Message
	Total    int64
	Page     int
	HasMore  bool
}

// CreateConversation starts a conversation with a character.
func (c *Client) CreateConversation(ctx context.Context, characterID, title string) (*domain.Conversation, error) {
	var out conversationEnvelope
	body := map[string]any{"character_id": characterID, "title": title}
	if err := c.do(ctx, "CreateConversation", http.MethodPost, "/api/chat/conversation", nil, body, &out); err != nil {
		return nil, err
	}
	conv := out.pick().toDomain()
	return &conv, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var out conversationEnvelope
	if err := c.do(ctx, "GetConversation", http.MethodGet, "/api/chat/conversation/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	conv := out.pick().toDomain()
	return &conv, nil
}

// ListConversations lists the user's conversations.
func (c *Client) ListConversations(ctx context.Context, p PageRequest) (*ConversationPage, error) {
	var out conversationList
	if err := c.do(ctx, "ListConversations", http.MethodGet, "/api/chat/conversations", p.query(20), nil, &out); err != nil {
		return nil, err
	}
	page := &ConversationPage{Total: out.Total, Page: out.Page, HasMore: out.HasMore}
	for _, w := range out.List {
		page.Conversations = append(page.Conversations, w.toDomain())
	}
	return page, nil
}

// GetMessages fetches a page of a conversation's messages.
func (c *Client) GetMessages(ctx context.Context, conversationID string, p PageRequest) (*MessagePage, error) {
	var out messageList
	path := "/api/chat/conversation/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "GetMessages", http.MethodGet, path, p.query(50), nil, &out); err != nil {
		return nil, err
	}
	page := &MessagePage{Total: out.Total, Page: out.Page, HasMore: out.HasMore}
	items := out.Messages
	if len(items) == 0 {
		items = out.List
	}
	for _, w := range items {
		page.Messages = append(page.Messages, w.toDomain(conversationID))
	}
	return page, nil
}

// DeleteConversation deletes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, "DeleteConversation", http.MethodDelete, "/api/chat/conversation/"+url.PathEscape(id), nil, nil, nil)
}

// ClearMessages deletes a conversation's messages, keeping the conversation.
func (c *Client) ClearMessages(ctx context.Context, id string) error {
	path := "/api/chat/conversation/" + url.PathEscape(id) + "/messages"
	return c.do(ctx, "ClearMessages", http.MethodDelete, path, nil, nil, nil)
}

// UpdateConversationTitle renames a conversation.
func (c *Client) UpdateConversationTitle(ctx context.Context, id, title string) error {
	path := "/api/chat/conversation/" + url.PathEscape(id) + "/title"
	return c.do(ctx, "UpdateConversationTitle", http.MethodPut, path, nil, map[string]string{"title": title}, nil)
}

// do sends one request and decodes the envelope's payload into out (if non-nil).
func (c *Client) do(ctx context.Context, name, method, path string, query url.Values, body, out any) error {
	op := "api." + name
	ctx, span := tracer.StartSpan(ctx, op, trace.WithAttributes(
		tracer.StringAttr("http.method", method),
		tracer.StringAttr("http.path", path),
	))
	var err error
	defer func() { tracer.Finish(span, err) }()

	err = c.roundTrip(ctx, method, path, query, body, out)
	if err != nil {
		var re *requestError
		if errors.As(err, &re) {
			err = domain.NewSubSystemError("api", op, re.sentinel, re.detail)
		}
		c.logger.Debug("api request failed", "op", op, "error", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return failure(domain.ErrAPI, fmt.Sprintf("marshal request: %v", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return failure(domain.ErrAPI, fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Service-Name", serviceName)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return failure(domain.ErrAPI, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return failure(domain.ErrAPI, fmt.Sprintf("read response: %v", err))
	}
	return decodeEnvelope(resp.StatusCode, data, out)
}

// decodeEnvelope checks the HTTP status and the envelope code. The payload is the
// envelope's data field when present, otherwise the envelope itself.
func decodeEnvelope(status int, data []byte, out any) error {
	var env envelope
	jsonErr := json.Unmarshal(data, &env)

	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(string(data))
		if jsonErr == nil && env.message() != "" {
			msg = env.message()
		}
		return statusError(status, msg)
	}
	if jsonErr != nil {
		return failure(domain.ErrAPI, fmt.Sprintf("decode response: %v", jsonErr))
	}
	if env.Code != 0 && env.Code != 200 {
		return statusError(env.Code, env.message())
	}
	if out == nil {
		return nil
	}

	payload := env.Data
	if len(payload) == 0 || string(payload) == "null" {
		payload = data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return failure(domain.ErrAPI, fmt.Sprintf("decode payload: %v", err))
	}
	return nil
}

// requestError carries the sentinel and server message of a failed call.
type requestError struct {
	sentinel error
	detail   string
}

func (e *requestError) Error() string { return e.detail + ": " + e.sentinel.Error() }
func (e *requestError) Unwrap() error { return e.sentinel }

func failure(sentinel error, detail string) error {
	return &requestError{sentinel: sentinel, detail: detail}
}

func statusError(code int, msg string) error {
	if msg == "" {
		msg = "request failed"
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return failure(domain.ErrAuthInvalid, msg)
	case http.StatusNotFound:
		return failure(domain.ErrNotFound, msg)
	default:
		return failure(domain.ErrAPI, fmt.Sprintf("code %d: %s", code, msg))
	}
}
