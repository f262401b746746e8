// Package session owns the public send/cancel surface of the chat client. A Controller
// tracks the active conversation and the in-flight exchange of each conversation, and
// keeps the AI placeholder message in the store in step with the stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
	"rolechat/internal/infra/metrics"
	"rolechat/internal/infra/tracer"
	"rolechat/internal/usecase/reassembly"
	"rolechat/internal/usecase/retry"
)

// Streamer runs the stream attempts of one exchange.
type Streamer interface {
	Attempt(ctx context.Context, ex domain.Exchange, onProgress reassembly.ProgressFunc) (retry.Result, error)
}

// SendRequest is the caller's input to Send. ConversationID may be empty to use the
// session's active conversation.
type SendRequest struct {
	ExchangeID     string             `validate:"omitempty,max=128"`
	ConversationID string             `validate:"omitempty,max=128"`
	CharacterID    string             `validate:"required,max=128"`
	Content        string             `validate:"required,notblank,msglen"`
	MessageType    domain.MessageType `validate:"omitempty,oneof=text voice"`
}

// Deps holds the controller's collaborators.
type Deps struct {
	Store    domain.MessageStore
	Streamer Streamer
	Bus      domain.EventBus // optional
	Logger   *slog.Logger
	Chat     config.ChatConfig
	// UserID is sent with every stream request.
	UserID string
}

type flight struct {
	exchangeID    string
	placeholderID string
	cancel        context.CancelFunc
}

// Controller is the session state machine. It is safe for concurrent use.
type Controller struct {
	deps     Deps
	validate *validator.Validate
	now      func() time.Time
	newID    func() string

	mu           sync.Mutex
	conversation string
	inflight     map[string]*flight // by conversation id
}

// New creates a Controller with no active conversation.
func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	limit := deps.Chat.MaxMessageLength
	if limit <= 0 {
		limit = config.Defaults().Chat.MaxMessageLength
	}

	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidation("msglen", func(fl validator.FieldLevel) bool {
		return utf8.RuneCountInString(fl.Field().String()) <= limit
	})

	return &Controller{
		deps:     deps,
		validate: v,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
		inflight: make(map[string]*flight),
	}
}

// SetConversation makes id the active conversation for sends that do not name one.
func (c *Controller) SetConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversation = id
}

// Conversation returns the active conversation id, or "".
func (c *Controller) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// InFlight returns the number of exchanges currently streaming.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Send runs one exchange to completion. The user message and a streaming AI placeholder
// are stored before any network activity; the placeholder's content follows the stream
// and is finalized, or removed if no content ever arrived, before Send returns. On
// failure the returned Exchange carries whatever partial reply was kept.
func (c *Controller) Send(ctx context.Context, req SendRequest) (*domain.Exchange, error) {
	const op = "Controller.Send"

	if req.ConversationID == "" && c.Conversation() == "" {
		return nil, domain.NewDomainError(op, domain.ErrNoActiveConversation, "")
	}
	if req.MessageType == "" {
		req.MessageType = domain.MessageTypeText
	}
	if err := c.validateRequest(req); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}

	ctx, span := tracer.StartSpan(ctx, "session.send", trace.WithAttributes(
		tracer.StringAttr("character.id", req.CharacterID),
		tracer.IntAttr("content.length", utf8.RuneCountInString(req.Content)),
	))
	started := c.now()

	ex, fctx, err := c.begin(ctx, req)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}
	span.SetAttributes(
		tracer.StringAttr("exchange.id", ex.ID),
		tracer.StringAttr("conversation.id", ex.ConversationID),
	)
	defer c.end(ex.ConversationID)

	log := c.deps.Logger.With("exchange", ex.ID, "conversation", ex.ConversationID)
	log.Debug("exchange started", "placeholder", ex.PlaceholderID)
	c.publish(ctx, domain.EventExchangeStarted, ex.ConversationID, ex)

	onProgress := func(text string) {
		if err := c.deps.Store.UpdateMessageContent(fctx, ex.PlaceholderID, text); err != nil {
			log.Warn("placeholder update failed", "error", err)
		}
		c.publish(ctx, domain.EventStreamDelta, ex.ConversationID, domain.StreamDeltaPayload{
			ExchangeID:    ex.ID,
			PlaceholderID: ex.PlaceholderID,
			Content:       text,
		})
	}

	res, err := c.deps.Streamer.Attempt(fctx, *ex, onProgress)
	ex.Attempts = res.Attempts
	ex.Reply = res.Text
	ex.ServerID = res.ServerID
	ex.Degraded = res.Degraded

	// Finalization must land even when the caller cancelled.
	wctx := context.WithoutCancel(ctx)
	if err == nil {
		err = c.finalize(wctx, ex, res.Text, res.ServerID)
		outcome := "completed"
		if res.Degraded {
			outcome = "degraded"
			span.SetAttributes(tracer.StringAttr("degraded.cause", res.Cause.Error()))
		}
		if err != nil {
			tracer.Finish(span, err)
			return ex, domain.WrapOp(op, err)
		}
		metrics.ExchangeFinished(outcome, c.now().Sub(started))
		c.publish(wctx, domain.EventExchangeCompleted, ex.ConversationID, domain.ExchangeCompletedPayload{
			ExchangeID:    ex.ID,
			PlaceholderID: ex.PlaceholderID,
			Content:       res.Text,
			Degraded:      res.Degraded,
			Attempts:      res.Attempts,
		})
		log.Info("exchange completed", "attempts", res.Attempts, "degraded", res.Degraded, "length", len(res.Text))
		tracer.Finish(span, nil)
		return ex, nil
	}

	removed := res.Text == ""
	var storeErr error
	if removed {
		storeErr = c.deps.Store.RemoveMessage(wctx, ex.PlaceholderID)
	} else {
		storeErr = c.finalize(wctx, ex, res.Text, "")
	}
	if storeErr != nil {
		log.Error("placeholder cleanup failed", "error", storeErr)
	}

	outcome, evType := "failed", domain.EventExchangeFailed
	if errors.Is(err, domain.ErrAborted) {
		outcome, evType = "aborted", domain.EventExchangeAborted
	}
	metrics.ExchangeFinished(outcome, c.now().Sub(started))
	c.publish(wctx, evType, ex.ConversationID, domain.ExchangeFailedPayload{
		ExchangeID: ex.ID,
		Error:      err.Error(),
		Code:       domain.ErrorCodeOf(err),
		Partial:    res.Text,
		Removed:    removed,
	})
	log.Warn("exchange "+outcome, "attempts", res.Attempts, "code", domain.ErrorCodeOf(err), "error", err)
	tracer.Finish(span, err)
	return ex, domain.WrapOp(op, err)
}

// CancelActive cancels every in-flight exchange and clears the streaming flag of their
// placeholders without waiting for the transports to close.
func (c *Controller) CancelActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for convID, f := range c.inflight {
		f.cancel()
		if err := c.deps.Store.SetStreaming(context.Background(), f.placeholderID, false); err != nil {
			c.deps.Logger.Warn("cancel: clear streaming flag failed",
				"conversation", convID, "placeholder", f.placeholderID, "error", err)
		}
		c.deps.Logger.Info("exchange cancelled", "conversation", convID, "exchange", f.exchangeID)
	}
}

// begin resolves the conversation, registers the flight and stores the user message and
// placeholder. The returned context is cancelled by CancelActive.
func (c *Controller) begin(ctx context.Context, req SendRequest) (*domain.Exchange, context.Context, error) {
	const op = "Controller.Send"

	c.mu.Lock()
	defer c.mu.Unlock()

	convID := req.ConversationID
	if convID == "" {
		convID = c.conversation
	}
	if convID == "" {
		return nil, nil, domain.NewDomainError(op, domain.ErrNoActiveConversation, "")
	}
	if _, busy := c.inflight[convID]; busy {
		return nil, nil, domain.NewDomainError(op, domain.ErrExchangeInFlight, convID)
	}

	ex := &domain.Exchange{
		ID:             req.ExchangeID,
		ConversationID: convID,
		CharacterID:    req.CharacterID,
		UserID:         c.deps.UserID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		PlaceholderID:  c.newID(),
	}
	if ex.ID == "" {
		ex.ID = c.newID()
	}

	now := c.now()
	user := domain.Message{
		ID:             c.newID(),
		ConversationID: convID,
		Role:           domain.RoleUser,
		Content:        req.Content,
		Type:           req.MessageType,
		Timestamp:      now,
	}
	placeholder := domain.Message{
		ID:             ex.PlaceholderID,
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		Streaming:      true,
		Timestamp:      now,
	}
	if err := c.deps.Store.AppendOrReplaceMessage(ctx, convID, user); err != nil {
		return nil, nil, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrStore, err), "append user message")
	}
	if err := c.deps.Store.AppendOrReplaceMessage(ctx, convID, placeholder); err != nil {
		return nil, nil, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrStore, err), "append placeholder")
	}

	fctx, cancel := context.WithCancel(ctx)
	c.inflight[convID] = &flight{exchangeID: ex.ID, placeholderID: ex.PlaceholderID, cancel: cancel}
	return ex, fctx, nil
}

func (c *Controller) end(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.inflight[convID]; ok {
		f.cancel()
		delete(c.inflight, convID)
	}
}

// finalize writes the placeholder's final state, keeping its local id.
func (c *Controller) finalize(ctx context.Context, ex *domain.Exchange, content, serverID string) error {
	msg := domain.Message{
		ID:             ex.PlaceholderID,
		ConversationID: ex.ConversationID,
		Role:           domain.RoleAssistant,
		Content:        content,
		Streaming:      false,
		ServerID:       serverID,
		Timestamp:      c.now(),
	}
	if err := c.deps.Store.AppendOrReplaceMessage(ctx, ex.ConversationID, msg); err != nil {
		return fmt.Errorf("%w: finalize placeholder: %w", domain.ErrStore, err)
	}
	return nil
}

func (c *Controller) validateRequest(req SendRequest) error {
	err := c.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", fe.Field())
	case "msglen":
		return fmt.Sprintf("%s is too long", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func (c *Controller) publish(ctx context.Context, t domain.EventType, conversationID string, payload any) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(ctx, domain.NewEvent(t, conversationID, payload))
}
