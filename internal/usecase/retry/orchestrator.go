// Package retry drives stream attempts for one exchange and decides when to re-issue
// the request.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
	"rolechat/internal/infra/metrics"
	"rolechat/internal/infra/tracer"
	"rolechat/internal/usecase/liveness"
	"rolechat/internal/usecase/reassembly"
)

// Result is the outcome of Attempt. On a degraded success Text holds the partial reply
// and Cause the failure that cut it short.
type Result struct {
	Text     string
	ServerID string
	Degraded bool
	Cause    error
	Attempts int
}

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Transport domain.StreamTransport
	// NewDecoder returns a fresh frame decoder for each attempt.
	NewDecoder   func() domain.FrameDecoder
	Retry        config.RetryConfig
	Liveness     config.LivenessConfig
	FragmentMode string
	Bus          domain.EventBus // optional
	Logger       *slog.Logger
	// Sleep waits between attempts. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs one exchange's stream attempts with bounded retries.
type Orchestrator struct {
	deps       Deps
	classifier *Classifier
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	if deps.Retry.MaxRetries < 0 {
		deps.Retry.MaxRetries = 0
	}
	return &Orchestrator{deps: deps, classifier: NewClassifier()}
}

// Backoff returns the wait before retry number retryCount (0-based).
func (o *Orchestrator) Backoff(retryCount int) time.Duration {
	return o.deps.Retry.BaseDelay + time.Duration(retryCount)*o.deps.Retry.StepDelay
}

// Attempt streams the reply for ex, calling onProgress with the accumulated text after
// every accepted fragment. It retries failed attempts that delivered no content; an
// attempt that fails after content arrived returns that content as a degraded success.
// The returned error wraps exactly one of ErrTransportFailure, ErrProtocol, ErrTimeout
// or ErrAborted.
func (o *Orchestrator) Attempt(ctx context.Context, ex domain.Exchange, onProgress reassembly.ProgressFunc) (Result, error) {
	req := domain.StreamRequest{
		ConversationID: ex.ConversationID,
		CharacterID:    ex.CharacterID,
		Content:        ex.Content,
		MessageType:    ex.MessageType,
		UserID:         ex.UserID,
	}
	log := o.deps.Logger.With("exchange", ex.ID, "conversation", ex.ConversationID)

	for retryCount := 0; ; retryCount++ {
		attempt := retryCount + 1
		res, failure := o.once(ctx, ex, req, attempt, onProgress, log)
		res.Attempts = attempt
		if failure.Err == nil {
			return res, nil
		}
		code := domain.ErrorCodeOf(failure.Err)

		if failure.Sentinel == domain.ErrAborted {
			log.Info("exchange aborted", "attempt", attempt)
			return res, failure.Err
		}
		if res.Text != "" {
			log.Warn("keeping partial reply", "attempt", attempt, "code", code, "error", failure.Err)
			res.Degraded = true
			res.Cause = failure.Err
			return res, nil
		}
		if !failure.Retryable() || retryCount >= o.deps.Retry.MaxRetries {
			log.Warn("exchange failed", "attempts", attempt, "code", code, "error", failure.Err)
			return res, failure.Err
		}

		delay := o.Backoff(retryCount)
		metrics.Retried(string(code))
		o.publish(ctx, domain.EventExchangeRetrying, ex.ConversationID, domain.ExchangeRetryingPayload{
			ExchangeID: ex.ID,
			Attempt:    attempt + 1,
			DelayMS:    delay.Milliseconds(),
			Code:       code,
		})
		log.Info("retrying stream after error", "attempt", attempt, "delay", delay, "code", code, "error", failure.Err)

		if err := o.deps.Sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("%w: %w", domain.ErrAborted, err)
		}
	}
}

// once runs a single attempt. The monitor and the attempt context are released on
// every return path.
func (o *Orchestrator) once(
	ctx context.Context,
	ex domain.Exchange,
	req domain.StreamRequest,
	attempt int,
	onProgress reassembly.ProgressFunc,
	log *slog.Logger,
) (res Result, failure ClassifiedError) {
	actx := ctx
	if o.deps.Retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, o.deps.Retry.AttemptTimeout)
		defer cancel()
	}
	// Cancels the transport on early returns; Open's goroutines exit on ctx.Done.
	actx, stopStream := context.WithCancel(actx)
	defer stopStream()

	actx, span := tracer.StartSpan(actx, "retry.attempt", trace.WithAttributes(
		tracer.StringAttr("exchange.id", ex.ID),
		tracer.IntAttr("attempt", attempt),
		tracer.StringAttr("transport", o.deps.Transport.Name()),
	))
	defer func() {
		span.SetAttributes(tracer.IntAttr("reply.length", len(res.Text)))
		tracer.Finish(span, failure.Err)
		result := "ok"
		if failure.Err != nil {
			result = string(domain.ErrorCodeOf(failure.Err))
		}
		metrics.AttemptFinished(o.deps.Transport.Name(), result)
	}()

	monitor := liveness.New(o.deps.Liveness, log, func(r liveness.Report) {
		o.publish(ctx, domain.EventStreamStalled, ex.ConversationID, domain.StreamStalledPayload{
			ExchangeID: ex.ID,
			Attempt:    attempt,
			NoData:     r.NoData,
			ElapsedMS:  r.Elapsed.Milliseconds(),
		})
	})
	monitor.Start()
	defer monitor.Stop()

	acc := reassembly.New(o.deps.FragmentMode, onProgress)
	decoder := o.deps.NewDecoder()

	fail := func(err error) (Result, ClassifiedError) {
		monitor.Stop()
		var stall *liveness.Report
		if r, ok := monitor.Suspect(); ok {
			stall = &r
		}
		return Result{Text: acc.Text()}, o.classifier.Classify(ctx, actx, err, stall)
	}

	// apply folds frames into the accumulator; done is set once a terminal frame ended
	// the reply.
	apply := func(frames []domain.Frame) (done bool, out Result, err error) {
		for _, f := range frames {
			monitor.Observe()
			if f.Type == domain.FrameThinking {
				o.publish(ctx, domain.EventStreamThinking, ex.ConversationID, nil)
			}
			outcome, applyErr := acc.Apply(f)
			if applyErr != nil {
				return true, Result{}, applyErr
			}
			if outcome.Final {
				return true, Result{Text: outcome.Text, ServerID: outcome.ServerID}, nil
			}
		}
		return false, Result{}, nil
	}

	events, err := o.deps.Transport.Open(actx, req)
	if err != nil {
		return fail(err)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				done, out, err := apply(decoder.Flush())
				if err != nil {
					return fail(err)
				}
				if done {
					return out, ClassifiedError{}
				}
				if actx.Err() != nil {
					return fail(actx.Err())
				}
				return fail(fmt.Errorf("%w: stream ended without a terminal frame", domain.ErrTransportFailure))
			}
			if ev.Err != nil {
				return fail(ev.Err)
			}
			done, out, err := apply(decoder.Feed(ev))
			if err != nil {
				return fail(err)
			}
			if done {
				return out, ClassifiedError{}
			}
		case <-actx.Done():
			return fail(actx.Err())
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, conversationID string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.NewEvent(t, conversationID, payload))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
