package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAPI(cfg, ve)
	validateStream(cfg, ve)
	validateRetry(cfg, ve)
	validateBreaker(cfg, ve)
	validateLiveness(cfg, ve)
	validateStore(cfg, ve)
	validateObservability(cfg, ve)
	if cfg.Chat.MaxMessageLength <= 0 {
		ve.Add("chat.max_message_length must be > 0")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAPI(cfg *Config, ve *ValidationError) {
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		ve.Add("api.base_url %q must be an absolute http(s) URL", cfg.API.BaseURL)
	}
	if cfg.API.Timeout <= 0 {
		ve.Add("api.timeout must be > 0")
	}
	if strings.HasPrefix(cfg.API.AuthToken, "enc:") {
		ve.Add("api.auth_token is encrypted but ROLECHAT_CONFIG_KEY is not set")
	}
}

var validTransports = map[string]bool{
	"sse":       true,
	"chunked":   true,
	"websocket": true,
}

func validateStream(cfg *Config, ve *ValidationError) {
	s := cfg.Stream
	if !validTransports[s.Transport] {
		ve.Add("stream.transport %q must be one of sse, chunked, websocket", s.Transport)
	}
	if !strings.HasPrefix(s.Path, "/") {
		ve.Add("stream.path %q must start with /", s.Path)
	}
	if s.FragmentMode != "append" && s.FragmentMode != "replace" {
		ve.Add("stream.fragment_mode %q must be append or replace", s.FragmentMode)
	}
	if s.ConnTimeout < 0 || s.RespTimeout < 0 {
		ve.Add("stream timeouts must be >= 0")
	}
	if s.RateLimit < 0 {
		ve.Add("stream.rate_limit must be >= 0")
	}
	if s.RateLimit > 0 && s.RateBurst <= 0 {
		ve.Add("stream.rate_burst must be > 0 when rate_limit is set")
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxRetries < 0 {
		ve.Add("retry.max_retries must be >= 0")
	}
	if r.AttemptTimeout <= 0 {
		ve.Add("retry.attempt_timeout must be > 0")
	}
	if r.BaseDelay < 0 || r.StepDelay < 0 {
		ve.Add("retry delays must be >= 0")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if !cfg.Breaker.Enabled {
		return
	}
	if cfg.Breaker.MaxFailures == 0 {
		ve.Add("breaker.max_failures must be > 0 when breaker is enabled")
	}
	if cfg.Breaker.Timeout <= 0 {
		ve.Add("breaker.timeout must be > 0 when breaker is enabled")
	}
}

func validateLiveness(cfg *Config, ve *ValidationError) {
	l := cfg.Liveness
	if l.CheckInterval <= 0 {
		ve.Add("liveness.check_interval must be > 0")
	}
	if l.SoftThreshold <= 0 {
		ve.Add("liveness.soft_threshold must be > 0")
	}
	if l.HardThreshold <= l.SoftThreshold {
		ve.Add("liveness.hard_threshold must be greater than soft_threshold")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite backend")
		}
	default:
		ve.Add("store.backend %q must be memory or sqlite", cfg.Store.Backend)
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateObservability(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be debug, info, warn or error", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled && cfg.Tracer.Exporter != "stdout" && cfg.Tracer.Exporter != "noop" {
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			ve.Add("metrics.addr %q is not host:port: %v", cfg.Metrics.Addr, err)
		}
	}
}
