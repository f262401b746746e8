package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerTransport guards a transport with a circuit breaker and paces attempt
// starts with a token bucket. A stream counts as failed if it cannot be opened or
// ends with a transport error; cancellation is not counted.
type BreakerTransport struct {
	inner   domain.StreamTransport
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ domain.StreamTransport = (*BreakerTransport)(nil)

// NewBreakerTransport wraps inner. A zero rate limit disables pacing.
func NewBreakerTransport(inner domain.StreamTransport, cfg config.BreakerConfig, limit float64, burst int, logger *slog.Logger) *BreakerTransport {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "stream:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrAborted)
		},
	})

	var limiter *rate.Limiter
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}

	return &BreakerTransport{inner: inner, breaker: cb, limiter: limiter, logger: logger}
}

// Name implements domain.StreamTransport.
func (t *BreakerTransport) Name() string { return t.inner.Name() }

// State returns the breaker state for monitoring.
func (t *BreakerTransport) State() gobreaker.State { return t.breaker.State() }

// Open implements domain.StreamTransport.
func (t *BreakerTransport) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.RawEvent, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Wait refuses up front when the deadline falls before the next token.
			return nil, fmt.Errorf("%w: pace stream attempt: %v", domain.ErrTimeout, err)
		}
	}

	done, err := t.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s circuit open: %v", domain.ErrTransportFailure, t.inner.Name(), err)
	}

	src, err := t.inner.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			done(ctx.Err())
		} else {
			done(err)
		}
		return nil, err
	}

	out := make(chan domain.RawEvent, cap(src))
	go func() {
		defer close(out)
		var (
			streamErr error
			received  bool
		)
		defer func() {
			// A stream cut off by its context before delivering anything says nothing
			// about the server.
			if streamErr == nil && !received && ctx.Err() != nil {
				streamErr = ctx.Err()
			}
			done(streamErr)
		}()
		for ev := range src {
			received = true
			if ev.Err != nil {
				streamErr = ev.Err
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// Drain so the inner producer can observe cancellation and exit.
				for range src {
				}
				return
			}
		}
	}()
	return out, nil
}
