// Package stream holds the chat-send stream transports and the frame parser.
package stream

import (
	"fmt"
	"log/slog"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
)

// New builds the transport selected by cfg.Stream.Transport, wrapped in a
// BreakerTransport when the breaker or pacing is enabled.
func New(cfg *config.Config, logger *slog.Logger) (domain.StreamTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := NewHTTPClient(cfg.Stream)
	ep := Endpoint{
		BaseURL:   cfg.API.BaseURL,
		Path:      cfg.Stream.Path,
		AuthToken: cfg.API.AuthToken,
	}

	var t domain.StreamTransport
	switch cfg.Stream.Transport {
	case "sse", "":
		t = NewSSETransport(client, ep, logger)
	case "chunked":
		t = NewChunkedTransport(client, ep, logger)
	case "websocket":
		t = NewWebSocketTransport(client, ep, logger)
	default:
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Stream.Transport)
	}

	if cfg.Breaker.Enabled || cfg.Stream.RateLimit > 0 {
		bcfg := cfg.Breaker
		if !bcfg.Enabled {
			// Pacing only: a breaker that can never trip.
			bcfg.MaxFailures = ^uint32(0)
		}
		t = NewBreakerTransport(t, bcfg, cfg.Stream.RateLimit, cfg.Stream.RateBurst, logger)
	}
	return t, nil
}
