package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rolechat/internal/adapter/store"
	"rolechat/internal/adapter/stream"
	"rolechat/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on the config and the chat service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			return runDoctor(cmd.OutOrStdout(), configPath())
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(out io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Chat service", Fn: checkAPIConfig},
		{Name: "Connectivity", Fn: checkConnectivity},
		{Name: "Stream transport", Fn: checkTransport},
		{Name: "Timeouts", Fn: checkTimeouts},
		{Name: "Message store", Fn: checkStore},
	}

	fmt.Fprintln(out, styleBold.Render("rolechat doctor"))
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return styleSuccess.Render("[PASS]")
	case StatusWarn:
		return styleWarning.Render("[WARN]")
	case StatusFail:
		return styleError.Render("[FAIL]")
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that reports whether the config loaded. A missing
// file is only a warning: defaults and env overrides still apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax and values in %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found, using defaults and ROLECHAT_* env vars", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAPIConfig verifies the chat service endpoint and credentials are set.
func checkAPIConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.API.AuthToken == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s, no auth token", cfg.API.BaseURL),
			Fix:     "Set api.auth_token or ROLECHAT_API_AUTH_TOKEN",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s as user %s", cfg.API.BaseURL, cfg.API.UserID),
	}
}

// checkConnectivity tests whether the chat service answers HTTP at all. Any status
// counts as reachable.
func checkConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.API.BaseURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad base url: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.API.BaseURL, err),
			Fix:     "Check api.base_url and that the chat service is running",
		}
	}
	resp.Body.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("reachable (HTTP %d, latency: %dms)", resp.StatusCode, latency.Milliseconds()),
	}
}

func checkTransport(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	t, err := stream.New(cfg, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Set stream.transport to sse, chunked or websocket",
		}
	}
	msg := fmt.Sprintf("%s at %s, fragment mode %s", t.Name(), cfg.Stream.Path, cfg.Stream.FragmentMode)
	if cfg.Breaker.Enabled {
		msg += fmt.Sprintf(", breaker after %d failures", cfg.Breaker.MaxFailures)
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// checkTimeouts warns when the liveness thresholds cannot fire before the attempt
// timeout ends the attempt.
func checkTimeouts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Retry.AttemptTimeout > 0 && cfg.Liveness.HardThreshold >= cfg.Retry.AttemptTimeout {
		return CheckResult{
			Status: StatusWarn,
			Message: fmt.Sprintf("liveness hard threshold %s is not below the attempt timeout %s",
				cfg.Liveness.HardThreshold, cfg.Retry.AttemptTimeout),
			Fix: "Lower liveness.hard_threshold or raise retry.attempt_timeout",
		}
	}
	return CheckResult{
		Status: StatusPass,
		Message: fmt.Sprintf("attempt %s, %d retries, stall warning at %s",
			cfg.Retry.AttemptTimeout, cfg.Retry.MaxRetries, cfg.Liveness.HardThreshold),
	}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	st, err := store.New(cfg.Store)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s store: %v", cfg.Store.Backend, err),
			Fix:     "Check store.path is writable",
		}
	}
	st.Close()

	if cfg.Store.Backend == "sqlite" {
		return CheckResult{Status: StatusPass, Message: "sqlite at " + cfg.Store.Path}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "in-memory store, history is lost on exit",
		Fix:     "Set store.backend to sqlite to keep history",
	}
}
