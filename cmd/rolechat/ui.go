package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// NO_COLOR is honored by lipgloss's profile detection.
var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}

	styleBold    = lipgloss.NewStyle().Bold(true)
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleRole    = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
)

// statusLine rewrites a single terminal line with the exchange's progress.
type statusLine struct {
	mu     sync.Mutex
	w      io.Writer
	last   int
	closed bool
}

func newStatusLine(w io.Writer) *statusLine {
	return &statusLine{w: w}
}

// Set replaces the line. Calls after Done are dropped.
func (s *statusLine) Set(style lipgloss.Style, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	text := style.Render(fmt.Sprintf(format, args...))
	pad := ""
	if n := lipgloss.Width(text); n < s.last {
		pad = strings.Repeat(" ", s.last-n)
	}
	fmt.Fprintf(s.w, "\r%s%s", text, pad)
	s.last = lipgloss.Width(text)
}

// Done ends the status line so the next write starts on a fresh line.
func (s *statusLine) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.last > 0 {
		fmt.Fprint(s.w, "\r"+strings.Repeat(" ", s.last)+"\r")
		s.last = 0
	}
}

// renderMarkdown renders content for the terminal, falling back to the raw text.
func renderMarkdown(content string, width int, raw bool) string {
	if raw {
		return content + "\n"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content + "\n"
	}
	out, err := r.Render(content)
	if err != nil {
		return content + "\n"
	}
	return out
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return styleBold.Render("You")
	case "ai":
		return styleRole.Render("AI")
	default:
		return styleDim.Render(role)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
