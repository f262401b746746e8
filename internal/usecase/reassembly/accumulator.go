// Package reassembly merges streamed fragments into one reply.
package reassembly

import (
	"fmt"
	"time"

	"rolechat/internal/domain"
	"rolechat/internal/infra/metrics"
)

// ProgressFunc receives the full accumulated text after every accepted fragment.
type ProgressFunc func(text string)

// Outcome reports what Apply did with a frame.
type Outcome struct {
	// Duplicate is set when a fragment was dropped by the (message id, length) key.
	Duplicate bool
	// Final is set once a Complete or Done frame ended the reply; Text is then the
	// authoritative content.
	Final bool
	Text  string
	// ServerID is the message id carried by the terminal frame, if any.
	ServerID string
}

type fragmentKey struct {
	messageID string
	length    int
}

// Accumulator is the reassembly state for one attempt. It is not safe for
// concurrent use.
type Accumulator struct {
	mode       string
	onProgress ProgressFunc
	now        func() time.Time

	text        string
	seen        map[fragmentKey]struct{}
	lastFrameAt time.Time
	accepted    int
	done        bool
}

// New creates an Accumulator. mode is domain.FragmentModeAppend (the default when
// empty) or domain.FragmentModeReplace; a frame's own Mode overrides it.
func New(mode string, onProgress ProgressFunc) *Accumulator {
	if mode == "" {
		mode = domain.FragmentModeAppend
	}
	return &Accumulator{
		mode:       mode,
		onProgress: onProgress,
		now:        time.Now,
		seen:       make(map[fragmentKey]struct{}),
	}
}

// Apply folds one frame into the reply.
//
// Fragments are keyed by (message id, content length); a key seen before is dropped
// without touching the text or calling onProgress. Complete and Done end the reply
// with their content if present, otherwise with the accumulated text. Error returns
// an error wrapping domain.ErrProtocol with the remote message.
func (a *Accumulator) Apply(f domain.Frame) (Outcome, error) {
	if a.done {
		return Outcome{}, fmt.Errorf("%w: frame %q after end of reply", domain.ErrProtocol, f.Type)
	}
	a.lastFrameAt = a.now()

	switch f.Type {
	case domain.FrameFragment:
		key := fragmentKey{messageID: f.MessageID, length: len(f.Content)}
		if _, dup := a.seen[key]; dup {
			metrics.DuplicateFragment()
			return Outcome{Duplicate: true, Text: a.text}, nil
		}
		a.seen[key] = struct{}{}

		mode := a.mode
		if f.Mode != "" {
			mode = f.Mode
		}
		if mode == domain.FragmentModeReplace {
			a.text = f.Content
		} else {
			a.text += f.Content
		}
		a.accepted++
		if a.onProgress != nil {
			a.onProgress(a.text)
		}
		return Outcome{Text: a.text}, nil

	case domain.FrameComplete, domain.FrameDone:
		a.done = true
		if f.HasContent {
			a.text = f.Content
		}
		return Outcome{Final: true, Text: a.text, ServerID: f.MessageID}, nil

	case domain.FrameError:
		a.done = true
		return Outcome{Text: a.text}, fmt.Errorf("%w: remote error: %s", domain.ErrProtocol, f.Message)

	case domain.FrameThinking:
		return Outcome{Text: a.text}, nil

	default:
		return Outcome{Text: a.text}, fmt.Errorf("%w: unexpected frame type %q", domain.ErrProtocol, f.Type)
	}
}

// Text returns the accumulated text so far.
func (a *Accumulator) Text() string { return a.text }

// Accepted returns the number of fragments applied.
func (a *Accumulator) Accepted() int { return a.accepted }

// LastFrameAt returns when the most recent frame of any kind arrived.
func (a *Accumulator) LastFrameAt() time.Time { return a.lastFrameAt }
