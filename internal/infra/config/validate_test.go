package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.API.BaseURL = "not a url"
	cfg.Stream.FragmentMode = "sideways"
	cfg.Retry.MaxRetries = -1
	cfg.Liveness.HardThreshold = cfg.Liveness.SoftThreshold

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 4 {
		t.Errorf("got %d errors, want 4: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"transport", func(c *Config) { c.Stream.Transport = "udp" }, "stream.transport"},
		{"path", func(c *Config) { c.Stream.Path = "chat/send" }, "stream.path"},
		{"burst", func(c *Config) { c.Stream.RateBurst = 0 }, "stream.rate_burst"},
		{"attempt timeout", func(c *Config) { c.Retry.AttemptTimeout = 0 }, "retry.attempt_timeout"},
		{"breaker failures", func(c *Config) { c.Breaker.MaxFailures = 0 }, "breaker.max_failures"},
		{"check interval", func(c *Config) { c.Liveness.CheckInterval = 0 }, "liveness.check_interval"},
		{"sqlite path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" }, "store.path"},
		{"backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"log level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "nope" }, "metrics.addr"},
		{"message length", func(c *Config) { c.Chat.MaxMessageLength = 0 }, "chat.max_message_length"},
		{"encrypted token", func(c *Config) { c.API.AuthToken = "enc:abc" }, "ROLECHAT_CONFIG_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateBreakerDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Breaker.Enabled = false
	cfg.Breaker.MaxFailures = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled breaker should not be validated: %v", err)
	}
}
