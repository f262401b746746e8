package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"rolechat/internal/domain"
	"rolechat/internal/infra/metrics"
)

// maxPending bounds the unterminated remainder kept between chunks. A record that
// grows past it without a newline is dropped as malformed.
const maxPending = 1 << 20

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// wireFrame is the JSON payload of one data record.
type wireFrame struct {
	Type      string  `json:"type"`
	MessageID string  `json:"message_id,omitempty"`
	Content   *string `json:"content,omitempty"`
	Delta     *string `json:"delta,omitempty"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	Mode      string  `json:"mode,omitempty"`
}

// Decode consumes pending+chunk, returning every complete frame in arrival order, the
// unterminated remainder to carry into the next call, and one error per malformed
// record. Decode does not retain or modify its inputs.
func Decode(pending, chunk []byte) (frames []domain.Frame, rest []byte, bad []error) {
	buf := make([]byte, 0, len(pending)+len(chunk))
	buf = append(buf, pending...)
	buf = append(buf, chunk...)

	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]

		f, ok, err := decodeLine(line)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		if ok {
			frames = append(frames, f)
		}
	}

	if len(buf) > maxPending {
		bad = append(bad, fmt.Errorf("%w: record exceeds %d bytes without a line break", domain.ErrProtocol, maxPending))
		return frames, nil, bad
	}
	if len(buf) > 0 {
		rest = append([]byte(nil), buf...)
	}
	return frames, rest, bad
}

// decodeLine decodes one record line. ok is false for lines that carry no frame:
// blanks, comments, and event/id/retry fields.
func decodeLine(line []byte) (domain.Frame, bool, error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 || line[0] == ':' {
		return domain.Frame{}, false, nil
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return domain.Frame{}, false, nil
	}
	payload := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	f, err := decodePayload(payload)
	if err != nil {
		return domain.Frame{}, false, err
	}
	return f, true, nil
}

func decodePayload(payload []byte) (domain.Frame, error) {
	payload = bytes.TrimSpace(payload)
	if bytes.Equal(payload, doneMarker) {
		return domain.Frame{Type: domain.FrameDone}, nil
	}

	var w wireFrame
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: decode record %q: %v", domain.ErrProtocol, truncate(payload), err)
	}

	f := domain.Frame{Type: domain.FrameType(w.Type), MessageID: w.MessageID}
	switch f.Type {
	case domain.FrameFragment:
		mode, err := parseMode(w.Mode)
		if err != nil {
			return domain.Frame{}, err
		}
		f.Mode = mode
		switch {
		case w.Content != nil:
			f.Content, f.HasContent = *w.Content, true
			// Cumulative text sent next to its delta is a snapshot.
			if w.Delta != nil && f.Mode == "" {
				f.Mode = domain.FragmentModeReplace
			}
		case w.Delta != nil:
			f.Content, f.HasContent = *w.Delta, true
		}
	case domain.FrameComplete, domain.FrameDone:
		if w.Content != nil {
			f.Content, f.HasContent = *w.Content, true
		}
	case domain.FrameError:
		f.Message = w.Message
		if f.Message == "" {
			f.Message = w.Error
		}
		if f.Message == "" {
			f.Message = "remote reported an error"
		}
	case domain.FrameThinking:
	default:
		return domain.Frame{}, fmt.Errorf("%w: unknown frame type %q", domain.ErrProtocol, w.Type)
	}
	return f, nil
}

func parseMode(s string) (string, error) {
	switch s {
	case "":
		return "", nil
	case "delta", "append", "incremental":
		return domain.FragmentModeAppend, nil
	case "snapshot", "replace", "full":
		return domain.FragmentModeReplace, nil
	default:
		return "", fmt.Errorf("%w: unknown fragment mode %q", domain.ErrProtocol, s)
	}
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// Parser decodes the raw events of one stream attempt. Pull-style chunks are buffered
// across calls; push-style records are decoded whole. A Parser is used by one goroutine.
type Parser struct {
	pending   []byte
	malformed int
	logger    *slog.Logger
}

var _ domain.FrameDecoder = (*Parser)(nil)

// NewParser creates a Parser for one attempt.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Feed decodes ev and returns the frames it completes. Malformed records are logged
// and skipped.
func (p *Parser) Feed(ev domain.RawEvent) []domain.Frame {
	var (
		frames []domain.Frame
		bad    []error
	)
	if ev.Record {
		frames, bad = decodeRecord(ev.Data)
	} else {
		frames, p.pending, bad = Decode(p.pending, ev.Data)
	}
	return p.emit(frames, bad)
}

// Flush decodes a final record left without a trailing newline at end of stream.
func (p *Parser) Flush() []domain.Frame {
	if len(p.pending) == 0 {
		return nil
	}
	frames, _, bad := Decode(p.pending, []byte("\n"))
	p.pending = nil
	return p.emit(frames, bad)
}

// Malformed returns how many records were skipped.
func (p *Parser) Malformed() int { return p.malformed }

func (p *Parser) emit(frames []domain.Frame, bad []error) []domain.Frame {
	for _, err := range bad {
		p.malformed++
		metrics.MalformedRecord()
		p.logger.Warn("skipping malformed stream record", "error", err)
	}
	for _, f := range frames {
		metrics.FrameDecoded(string(f.Type))
	}
	return frames
}

// decodeRecord handles one push-style record. SSE sources deliver the bare payload;
// websocket peers may also send "data: " framed lines.
func decodeRecord(data []byte) ([]domain.Frame, []error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) || trimmed[0] == ':' {
		frames, rest, bad := Decode(trimmed, []byte("\n"))
		if len(rest) > 0 {
			bad = append(bad, fmt.Errorf("%w: trailing bytes in record", domain.ErrProtocol))
		}
		return frames, bad
	}
	f, err := decodePayload(trimmed)
	if err == nil {
		return []domain.Frame{f}, nil
	}
	if bytes.IndexByte(trimmed, '\n') < 0 {
		return nil, []error{err}
	}
	// Several single-line records joined into one event.
	var (
		frames []domain.Frame
		bad    []error
	)
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lf, lerr := decodePayload(line)
		if lerr != nil {
			bad = append(bad, lerr)
			continue
		}
		frames = append(frames, lf)
	}
	if len(frames) == 0 {
		return nil, []error{err}
	}
	return frames, bad
}
