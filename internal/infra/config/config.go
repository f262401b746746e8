package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Stream   StreamConfig   `yaml:"stream"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Liveness LivenessConfig `yaml:"liveness"`
	Chat     ChatConfig     `yaml:"chat"`
	Store    StoreConfig    `yaml:"store"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Includes []string       `yaml:"includes,omitempty"`
}

// APIConfig holds chat service connection settings.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	AuthToken string        `yaml:"auth_token"` // may be "enc:..." (see EncryptValue)
	UserID    string        `yaml:"user_id"`
}

// StreamConfig selects and tunes the stream transport.
type StreamConfig struct {
	Transport    string        `yaml:"transport"` // "sse", "chunked", "websocket"
	Path         string        `yaml:"path"`
	FragmentMode string        `yaml:"fragment_mode"` // "append" or "replace"
	ConnTimeout  time.Duration `yaml:"conn_timeout"`
	RespTimeout  time.Duration `yaml:"resp_timeout"`
	Pool         PoolConfig    `yaml:"pool"`
	// RateLimit paces attempt starts (attempts per second); 0 disables pacing.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// PoolConfig configures HTTP connection pooling for stream requests.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RetryConfig holds the retry orchestrator policy.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	StepDelay      time.Duration `yaml:"step_delay"`
}

// BreakerConfig configures the circuit breaker around stream opens.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LivenessConfig holds liveness monitor thresholds.
type LivenessConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	SoftThreshold time.Duration `yaml:"soft_threshold"`
	HardThreshold time.Duration `yaml:"hard_threshold"`
}

// ChatConfig holds input limits.
type ChatConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".rolechat")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8888",
			Timeout: 30 * time.Second,
			UserID:  "1",
		},
		Stream: StreamConfig{
			Transport:    "sse",
			Path:         "/chat/send",
			FragmentMode: "append",
			ConnTimeout:  30 * time.Second,
			RespTimeout:  120 * time.Second,
			RateLimit:    2,
			RateBurst:    1,
		},
		Retry: RetryConfig{
			MaxRetries:     2,
			AttemptTimeout: 180 * time.Second,
			BaseDelay:      1 * time.Second,
			StepDelay:      1 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Liveness: LivenessConfig{
			CheckInterval: 10 * time.Second,
			SoftThreshold: 30 * time.Second,
			HardThreshold: 60 * time.Second,
		},
		Chat: ChatConfig{
			MaxMessageLength: 2000,
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    filepath.Join(defaultDataDir(), "messages.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file takes precedence over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ROLECHAT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ROLECHAT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROLECHAT_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("ROLECHAT_API_AUTH_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}
	if v := os.Getenv("ROLECHAT_API_USER_ID"); v != "" {
		cfg.API.UserID = v
	}
	if v := os.Getenv("ROLECHAT_STREAM_TRANSPORT"); v != "" {
		cfg.Stream.Transport = v
	}
	if v := os.Getenv("ROLECHAT_STREAM_FRAGMENT_MODE"); v != "" {
		cfg.Stream.FragmentMode = v
	}
	if v := os.Getenv("ROLECHAT_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("ROLECHAT_RETRY_ATTEMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.AttemptTimeout = d
		}
	}
	if v := os.Getenv("ROLECHAT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ROLECHAT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ROLECHAT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ROLECHAT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ROLECHAT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ROLECHAT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("ROLECHAT_METRICS_ENABLED"); v == "true" {
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("ROLECHAT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.API.AuthToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.API.AuthToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("api auth_token: %w", err)
		}
		cfg.API.AuthToken = decrypted
	}
	return nil
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
