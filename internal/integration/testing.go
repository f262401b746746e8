package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	BaseURL     string
	AuthToken   string
	CharacterID string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		BaseURL:     os.Getenv("ROLECHAT_E2E_BASE_URL"),
		AuthToken:   os.Getenv("ROLECHAT_E2E_AUTH_TOKEN"),
		CharacterID: os.Getenv("ROLECHAT_E2E_CHARACTER_ID"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoService skips the test unless a real chat service is configured.
func SkipIfNoService(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.BaseURL == "" || cfg.CharacterID == "" {
		t.Skip("Skipping live test: ROLECHAT_E2E_BASE_URL and ROLECHAT_E2E_CHARACTER_ID not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Script is what the fake chat service does for one stream request.
type Script struct {
	// Status, if set, is returned instead of a stream.
	Status int
	// Records are written as SSE data events, flushed one by one.
	Records []string
	// Hang keeps the stream open after Records until the client goes away.
	Hang bool
}

// ChatService is an in-process stand-in for the chat service's stream endpoint.
// Request n is served by script n; requests past the last script reuse it.
type ChatService struct {
	*httptest.Server

	mu      sync.Mutex
	scripts []Script
	queries []url.Values
}

// NewChatService starts a fake chat service closed on test cleanup.
func NewChatService(t *testing.T, scripts ...Script) *ChatService {
	t.Helper()
	s := &ChatService{scripts: scripts}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Requests returns the query of every stream request received so far.
func (s *ChatService) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries...)
}

func (s *ChatService) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.queries)
	s.queries = append(s.queries, r.URL.Query())
	script := s.scripts[min(n, len(s.scripts)-1)]
	s.mu.Unlock()

	if script.Status != 0 {
		http.Error(w, http.StatusText(script.Status), script.Status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, rec := range script.Records {
		fmt.Fprintf(w, "data: %s\n\n", rec)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if script.Hang {
		<-r.Context().Done()
	}
}
