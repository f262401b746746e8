//go:build integration
// +build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolechat/internal/adapter/api"
	"rolechat/internal/adapter/store"
	"rolechat/internal/adapter/stream"
	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
	"rolechat/internal/usecase/eventbus"
	"rolechat/internal/usecase/retry"
	"rolechat/internal/usecase/session"
)

type pipeline struct {
	store   store.Store
	bus     *eventbus.Bus
	session *session.Controller
}

// newPipeline wires the real transport, orchestrator and controller against baseURL
// with a sqlite store, as cmd/rolechat does.
func newPipeline(t *testing.T, baseURL, token string) *pipeline {
	t.Helper()
	cfg := config.Defaults()
	cfg.API.BaseURL = baseURL
	cfg.API.AuthToken = token
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.StepDelay = 10 * time.Millisecond
	cfg.Stream.RateLimit = 0
	cfg.Store = config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "messages.db")}

	st, err := store.New(cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	transport, err := stream.New(cfg, nil)
	require.NoError(t, err)

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	orchestrator := retry.New(retry.Deps{
		Transport:    transport,
		NewDecoder:   func() domain.FrameDecoder { return stream.NewParser(nil) },
		Retry:        cfg.Retry,
		Liveness:     cfg.Liveness,
		FragmentMode: cfg.Stream.FragmentMode,
		Bus:          bus,
	})
	return &pipeline{
		store: st,
		bus:   bus,
		session: session.New(session.Deps{
			Store:    st,
			Streamer: orchestrator,
			Bus:      bus,
			Chat:     cfg.Chat,
			UserID:   "42",
		}),
	}
}

func TestE2E_RetryAfterServiceUnavailable(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 10*time.Second)

	svc := NewChatService(t,
		Script{Status: 503},
		Script{Records: []string{
			`{"type":"thinking"}`,
			`{"type":"message","message_id":"m1","content":"The tavern "}`,
			`{"type":"message","message_id":"m1","content":"is quiet."}`,
			`{"type":"complete","message_id":"srv-77"}`,
		}},
	)
	p := newPipeline(t, svc.URL, "tok")
	p.session.SetConversation("conv-1")

	ex, err := p.session.Send(ctx, session.SendRequest{CharacterID: "char-9", Content: "Where are we?"})
	require.NoError(t, err)
	assert.Equal(t, "The tavern is quiet.", ex.Reply)
	assert.Equal(t, 2, ex.Attempts)
	assert.False(t, ex.Degraded)

	reqs := svc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "conv-1", reqs[1].Get("conversation_id"))
	assert.Equal(t, "char-9", reqs[1].Get("character_id"))
	assert.Equal(t, "42", reqs[1].Get("user_id"))

	msgs, err := p.store.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Where are we?", msgs[0].Content)
	assert.Equal(t, ex.PlaceholderID, msgs[1].ID)
	assert.Equal(t, "The tavern is quiet.", msgs[1].Content)
	assert.Equal(t, "srv-77", msgs[1].ServerID)
	assert.False(t, msgs[1].Streaming)
}

func TestE2E_DroppedStreamKeepsPartialReply(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 10*time.Second)

	svc := NewChatService(t, Script{Records: []string{
		`{"type":"message","content":"Once upon"}`,
		`{"type":"message","content":" a time"}`,
	}})
	p := newPipeline(t, svc.URL, "")
	p.session.SetConversation("conv-2")

	ex, err := p.session.Send(ctx, session.SendRequest{CharacterID: "char-9", Content: "Tell me a story"})
	require.NoError(t, err)
	assert.True(t, ex.Degraded)
	assert.Equal(t, "Once upon a time", ex.Reply)
	assert.Len(t, svc.Requests(), 1, "content arrived, so no retry")

	msgs, err := p.store.Messages(ctx, "conv-2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon a time", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
}

func TestE2E_AuthRejectedIsNotRetried(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 10*time.Second)

	svc := NewChatService(t, Script{Status: 401})
	p := newPipeline(t, svc.URL, "expired")
	p.session.SetConversation("conv-3")

	_, err := p.session.Send(ctx, session.SendRequest{CharacterID: "char-9", Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Len(t, svc.Requests(), 1)

	msgs, err := p.store.Messages(ctx, "conv-3")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the empty placeholder is removed")
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestE2E_CancelMidStream(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 10*time.Second)

	svc := NewChatService(t, Script{
		Records: []string{`{"type":"message","content":"She draws her sword and"}`},
		Hang:    true,
	})
	p := newPipeline(t, svc.URL, "")
	p.session.SetConversation("conv-4")

	unsubscribe := p.bus.Subscribe(domain.EventStreamDelta, func(context.Context, domain.Event) {
		p.session.CancelActive()
	})
	defer unsubscribe()

	ex, err := p.session.Send(ctx, session.SendRequest{CharacterID: "char-9", Content: "Fight!"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAborted)
	assert.Equal(t, domain.CodeAborted, domain.ErrorCodeOf(err))
	assert.Equal(t, "She draws her sword and", ex.Reply)

	msgs, err := p.store.Messages(ctx, "conv-4")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "She draws her sword and", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
	assert.Zero(t, p.session.InFlight())
}

func TestE2E_LiveService(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoService(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	client := api.New(config.APIConfig{BaseURL: cfg.BaseURL, AuthToken: cfg.AuthToken}, nil)
	conv, err := client.CreateConversation(ctx, cfg.CharacterID, "rolechat e2e")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.DeleteConversation(context.Background(), conv.ID) })

	p := newPipeline(t, cfg.BaseURL, cfg.AuthToken)
	p.session.SetConversation(conv.ID)

	ex, err := p.session.Send(ctx, session.SendRequest{CharacterID: cfg.CharacterID, Content: "Hello!"})
	require.NoError(t, err)
	assert.NotEmpty(t, ex.Reply)
	t.Logf("reply (%d attempts): %s", ex.Attempts, ex.Reply)

	page, err := client.GetMessages(ctx, conv.ID, api.PageRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, page.Messages)
}
