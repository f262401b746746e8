package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolechat/internal/adapter/store"
	"rolechat/internal/adapter/stream"
	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
	"rolechat/internal/usecase/eventbus"
	"rolechat/internal/usecase/retry"
)

// fakeTransport plays the same events on every Open. When hang is set the stream stays
// open until ctx is done.
type fakeTransport struct {
	opens   atomic.Int32
	openErr error
	events  []domain.RawEvent
	hang    bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(ctx context.Context, _ domain.StreamRequest) (<-chan domain.RawEvent, error) {
	f.opens.Add(1)
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan domain.RawEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func fragment(content string) domain.RawEvent {
	return domain.RawEvent{Record: true, Data: []byte(fmt.Sprintf(`{"type":"message","message_id":"m1","content":%q}`, content))}
}

var done = domain.RawEvent{Record: true, Data: []byte(`{"type":"done","message_id":"srv-7"}`)}

type harness struct {
	ctrl      *Controller
	store     *store.Memory
	transport *fakeTransport
	bus       *eventbus.Bus
}

func newHarness(t *testing.T, tr *fakeTransport) *harness {
	t.Helper()
	cfg := config.Defaults()
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	orch := retry.New(retry.Deps{
		Transport:    tr,
		NewDecoder:   func() domain.FrameDecoder { return stream.NewParser(nil) },
		Retry:        cfg.Retry,
		Liveness:     cfg.Liveness,
		FragmentMode: domain.FragmentModeAppend,
		Bus:          bus,
		Sleep:        func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	ms := store.NewMemory()
	ctrl := New(Deps{Store: ms, Streamer: orch, Bus: bus, Chat: cfg.Chat, UserID: "1"})
	return &harness{ctrl: ctrl, store: ms, transport: tr, bus: bus}
}

func (h *harness) messages(t *testing.T, convID string) []domain.Message {
	t.Helper()
	msgs, err := h.store.Messages(context.Background(), convID)
	require.NoError(t, err)
	return msgs
}

func TestSendWithoutConversationFailsBeforeNetwork(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{done}})

	ex, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "hello"})
	require.Error(t, err)
	assert.Nil(t, ex)
	assert.ErrorIs(t, err, domain.ErrNoActiveConversation)
	assert.Equal(t, domain.CodeNoActiveConversation, domain.ErrorCodeOf(err))
	assert.Equal(t, int32(0), h.transport.opens.Load())
}

func TestSendWithoutConversationWinsOverInvalidBody(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{done}})

	for _, req := range []SendRequest{
		{CharacterID: "ch1", Content: "   "},
		{Content: "hello"},
		{},
	} {
		_, err := h.ctrl.Send(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrNoActiveConversation, "%+v", req)
		assert.NotErrorIs(t, err, domain.ErrInvalidInput, "%+v", req)
	}
	assert.Equal(t, int32(0), h.transport.opens.Load())
}

func TestSendSuccessFinalizesPlaceholder(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{fragment("Hel"), fragment("lo!"), done}})
	h.ctrl.SetConversation("c1")
	assert.Equal(t, "c1", h.ctrl.Conversation())

	ex, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", ex.Reply)
	assert.Equal(t, "srv-7", ex.ServerID)
	assert.Equal(t, 1, ex.Attempts)
	assert.Equal(t, domain.MessageTypeText, ex.MessageType)
	assert.NotEmpty(t, ex.ID)

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)

	reply := msgs[1]
	assert.Equal(t, ex.PlaceholderID, reply.ID, "placeholder keeps its local id")
	assert.Equal(t, domain.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello!", reply.Content)
	assert.Equal(t, "srv-7", reply.ServerID)
	assert.False(t, reply.Streaming)
	assert.Equal(t, 0, h.ctrl.InFlight())
}

func TestSendRequestConversationOverridesSession(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{fragment("ok"), done}})
	h.ctrl.SetConversation("c1")

	_, err := h.ctrl.Send(context.Background(), SendRequest{ConversationID: "c2", CharacterID: "ch1", Content: "hi"})
	require.NoError(t, err)
	assert.Empty(t, h.messages(t, "c1"))
	assert.Len(t, h.messages(t, "c2"), 2)
}

func TestSendPartialThenErrorKeepsPartial(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{
		fragment("a"), fragment("bb"), fragment("ccc"),
		{Err: fmt.Errorf("%w: connection reset", domain.ErrTransportFailure)},
	}})
	h.ctrl.SetConversation("c1")

	ex, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "go"})
	require.NoError(t, err)
	assert.True(t, ex.Degraded)
	assert.Equal(t, int32(1), h.transport.opens.Load())

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "abbccc", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
}

func TestSendFailureWithoutContentRemovesPlaceholder(t *testing.T) {
	h := newHarness(t, &fakeTransport{openErr: fmt.Errorf("%w: connection refused", domain.ErrTransportFailure)})
	h.ctrl.SetConversation("c1")

	var failed atomic.Int32
	h.bus.Subscribe(domain.EventExchangeFailed, func(context.Context, domain.Event) { failed.Add(1) })

	ex, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportFailure)
	require.NotNil(t, ex)
	assert.Equal(t, 3, ex.Attempts)

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 1, "placeholder removed")
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Eventually(t, func() bool { return failed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendRejectsSecondExchangeInFlight(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{fragment("x")}, hang: true})
	h.ctrl.SetConversation("c1")

	errc := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "first"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.ctrl.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "second"})
	assert.ErrorIs(t, err, domain.ErrExchangeInFlight)

	h.ctrl.CancelActive()
	require.ErrorIs(t, <-errc, domain.ErrAborted)
	assert.Equal(t, 0, h.ctrl.InFlight())
}

func TestCancelActiveClearsStreamingImmediately(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{fragment("partial")}, hang: true})
	h.ctrl.SetConversation("c1")

	var aborted atomic.Int32
	h.bus.Subscribe(domain.EventExchangeAborted, func(context.Context, domain.Event) { aborted.Add(1) })

	type result struct {
		ex  *domain.Exchange
		err error
	}
	resc := make(chan result, 1)
	go func() {
		ex, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "hi"})
		resc <- result{ex, err}
	}()

	require.Eventually(t, func() bool {
		msgs := h.messages(t, "c1")
		return len(msgs) == 2 && msgs[1].Content == "partial"
	}, time.Second, 5*time.Millisecond)

	h.ctrl.CancelActive()
	for _, m := range h.messages(t, "c1") {
		assert.False(t, m.Streaming, "message %s still streaming", m.ID)
	}

	res := <-resc
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, domain.ErrAborted)
	assert.Equal(t, "partial", res.ex.Reply)

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
	assert.Equal(t, int32(1), h.transport.opens.Load(), "cancellation never retries")
	assert.Eventually(t, func() bool { return aborted.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelActiveWithNothingInFlight(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	h.ctrl.CancelActive()
	assert.Equal(t, 0, h.ctrl.InFlight())
}

func TestSendValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
		want string
	}{
		{"missing content", SendRequest{CharacterID: "ch1"}, "Content is required"},
		{"blank content", SendRequest{CharacterID: "ch1", Content: "  \n"}, "Content is required"},
		{"missing character", SendRequest{Content: "hi"}, "CharacterID is required"},
		{"too long", SendRequest{CharacterID: "ch1", Content: strings.Repeat("é", 2001)}, "Content is too long"},
		{"bad type", SendRequest{CharacterID: "ch1", Content: "hi", MessageType: "video"}, "MessageType must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeTransport{events: []domain.RawEvent{done}})
			h.ctrl.SetConversation("c1")

			_, err := h.ctrl.Send(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, int32(0), h.transport.opens.Load())
			assert.Empty(t, h.messages(t, "c1"))
		})
	}
}

func TestSendAcceptsMaxLengthInRunes(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{done}})
	h.ctrl.SetConversation("c1")

	_, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: strings.Repeat("é", 2000), MessageType: domain.MessageTypeVoice})
	require.NoError(t, err)
}

func TestSendPublishesLifecycleEvents(t *testing.T) {
	h := newHarness(t, &fakeTransport{events: []domain.RawEvent{fragment("a"), fragment("bc"), done}})
	h.ctrl.SetConversation("c1")

	var (
		mu    sync.Mutex
		seen  = map[domain.EventType]int{}
		final domain.ExchangeCompletedPayload
	)
	h.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.Type]++
		if ev.Type == domain.EventExchangeCompleted {
			_ = json.Unmarshal(ev.Payload, &final)
		}
	})

	_, err := h.ctrl.Send(context.Background(), SendRequest{CharacterID: "ch1", Content: "hi"})
	require.NoError(t, err)
	h.bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[domain.EventExchangeStarted])
	assert.Equal(t, 2, seen[domain.EventStreamDelta])
	assert.Equal(t, 1, seen[domain.EventExchangeCompleted])
	assert.Equal(t, "abc", final.Content)
	assert.Equal(t, 1, final.Attempts)
}
