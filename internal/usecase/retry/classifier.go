package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"rolechat/internal/domain"
	"rolechat/internal/usecase/liveness"
)

// ClassifiedError holds the result of classifying one failed attempt.
type ClassifiedError struct {
	Original   error
	Sentinel   error // one of ErrTransportFailure, ErrProtocol, ErrTimeout, ErrAborted
	StatusCode int   // extracted HTTP status, or 0 if unknown
	// Permanent failures are not retried even when retries remain (auth rejections,
	// client errors other than 408 and 429).
	Permanent bool
	// Err is the error handed to callers. It always wraps Sentinel.
	Err error
}

// Retryable reports whether the orchestrator may re-issue the request.
func (c ClassifiedError) Retryable() bool {
	return !c.Permanent && domain.IsRetryableError(c.Err)
}

// Classifier maps attempt failures onto the stream failure taxonomy.
type Classifier struct{}

// NewClassifier creates a new classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// statusPattern matches "status NNN:" produced by the stream transports.
var statusPattern = regexp.MustCompile(`status (\d{3})`)

// Classify inspects an attempt failure. parent is the caller's context and attempt the
// per-attempt context derived from it; their state decides between Aborted and Timeout
// before the error itself is looked at. stall is the liveness report for the attempt, if
// the monitor ever marked it suspect; a timeout on a suspect attempt is tagged with the
// liveness subsystem.
func (c *Classifier) Classify(parent, attempt context.Context, err error, stall *liveness.Report) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	var out ClassifiedError
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		out = c.wrap(err, domain.ErrAborted)
	case parent.Err() != nil:
		// The caller's own deadline: a timeout, but nothing is left to retry in.
		out = c.wrap(err, domain.ErrTimeout)
		out.Permanent = true
	case errors.Is(attempt.Err(), context.DeadlineExceeded):
		out = c.wrap(err, domain.ErrTimeout)
	default:
		out = c.classifyError(err)
	}

	if out.Sentinel == domain.ErrTimeout && stall != nil {
		what := "stalled"
		if stall.NoData {
			what = "no data"
		}
		out.Err = domain.NewSubSystemError("liveness", "retry.attempt", domain.ErrTimeout,
			fmt.Sprintf("%s for %s before timeout: %v", what, stall.Elapsed, err))
	}
	return out
}

func (c *Classifier) classifyError(err error) ClassifiedError {
	// Domain sentinels first; transports and the accumulator always wrap one.
	switch {
	case errors.Is(err, domain.ErrAborted), errors.Is(err, context.Canceled):
		return c.wrap(err, domain.ErrAborted)
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return c.wrap(err, domain.ErrTimeout)
	case errors.Is(err, domain.ErrProtocol):
		return c.wrap(err, domain.ErrProtocol)
	case errors.Is(err, domain.ErrTransportFailure):
		out := c.wrap(err, domain.ErrTransportFailure)
		c.applyStatus(&out)
		return out
	}

	// String-based fallback for foreign network errors.
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"timeout", "deadline exceeded"} {
		if strings.Contains(lower, p) {
			return c.wrap(err, domain.ErrTimeout)
		}
	}
	out := c.wrap(err, domain.ErrTransportFailure)
	c.applyStatus(&out)
	return out
}

// applyStatus extracts an HTTP status and marks client errors permanent.
func (c *Classifier) applyStatus(out *ClassifiedError) {
	if errors.Is(out.Original, domain.ErrAuthInvalid) {
		out.Permanent = true
	}
	matches := statusPattern.FindStringSubmatch(out.Original.Error())
	if len(matches) != 2 {
		return
	}
	code, _ := strconv.Atoi(matches[1])
	out.StatusCode = code
	switch {
	case code == 408 || code == 429:
	case code >= 400 && code < 500:
		out.Permanent = true
	}
}

func (c *Classifier) wrap(err, sentinel error) ClassifiedError {
	out := ClassifiedError{Original: err, Sentinel: sentinel, Err: err}
	if !errors.Is(err, sentinel) {
		out.Err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return out
}
