package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rolechat/internal/adapter/api"
	"rolechat/internal/adapter/store"
	"rolechat/internal/adapter/stream"
	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
	"rolechat/internal/infra/logger"
	"rolechat/internal/infra/metrics"
	"rolechat/internal/infra/tracer"
	"rolechat/internal/usecase/eventbus"
	"rolechat/internal/usecase/retry"
	"rolechat/internal/usecase/session"
)

// app is the wired chat client.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	store   store.Store
	api     *api.Client
	session *session.Controller

	cleanup []func(context.Context) error
}

// newApp builds every component from cfg. Close must be called on success.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	// 1. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.onClose(func(context.Context) error { return logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(tracerShutdown)

	// 2. Metrics endpoint
	if cfg.Metrics.Enabled {
		mctx, stop := context.WithCancel(context.WithoutCancel(ctx))
		a.onClose(func(context.Context) error { stop(); return nil })
		go func() {
			if err := metrics.Serve(mctx, cfg.Metrics.Addr, logger.Component(log, "metrics")); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	// 3. Message store
	st, err := store.New(cfg.Store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	a.store = st
	a.onClose(func(context.Context) error { return st.Close() })

	// 4. Event bus
	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.onClose(func(context.Context) error { a.bus.Close(); return nil })

	// 5. Stream transport and retry orchestrator
	transport, err := stream.New(cfg, logger.Component(log, "stream"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("stream: %w", err)
	}
	parserLog := logger.Component(log, "parser")
	orchestrator := retry.New(retry.Deps{
		Transport:    transport,
		NewDecoder:   func() domain.FrameDecoder { return stream.NewParser(parserLog) },
		Retry:        cfg.Retry,
		Liveness:     cfg.Liveness,
		FragmentMode: cfg.Stream.FragmentMode,
		Bus:          a.bus,
		Logger:       logger.Component(log, "retry"),
	})

	// 6. Session controller and REST client
	a.session = session.New(session.Deps{
		Store:    st,
		Streamer: orchestrator,
		Bus:      a.bus,
		Logger:   logger.Component(log, "session"),
		Chat:     cfg.Chat,
		UserID:   cfg.API.UserID,
	})
	a.api = api.New(cfg.API, logger.Component(log, "api"))

	log.Debug("rolechat ready",
		"transport", transport.Name(),
		"store", cfg.Store.Backend,
		"fragment_mode", cfg.Stream.FragmentMode,
	)
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.cleanup = append(a.cleanup, fn)
}

// Close releases components in reverse construction order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](ctx); err != nil && a.log != nil {
			a.log.Warn("shutdown error", "error", err)
		}
	}
	a.cleanup = nil
}
