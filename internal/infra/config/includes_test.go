package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "api.yaml", `
api:
  base_url: "https://included.example.com"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "api.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://included.example.com" {
		t.Errorf("BaseURL = %q, want value from include", cfg.API.BaseURL)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
stream:
  transport: "chunked"
retry:
  max_retries: 4
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "base.yaml"
stream:
  transport: "websocket"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.Transport != "websocket" {
		t.Errorf("Transport = %q, main file should win", cfg.Stream.Transport)
	}
	if cfg.Retry.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4 from include", cfg.Retry.MaxRetries)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, sub, "10-store.yaml", "store:\n  backend: sqlite\n  path: /tmp/rc.db\n")
	writeConfigFile(t, sub, "20-logger.yaml", "logger:\n  format: json\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"conf.d/*.yaml\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/rc.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q, want json", cfg.Logger.Format)
	}
}

func TestIncludesGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"conf.d/*.yaml\"\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("empty glob should not fail: %v", err)
	}
}

func TestIncludesMissingLiteral(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"missing.yaml\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include")
	}
}

func TestIncludesCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - \"b.yaml\"\n")
	writeConfigFile(t, dir, "b.yaml", "includes:\n  - \"a.yaml\"\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"a.yaml\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "included twice") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIncludesCycleThroughRelativeDir(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - \"config.yaml\"\n")
	root := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"a.yaml\"\n")
	t.Chdir(dir)

	rootAbs, err := filepath.Abs("config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	visited := map[string]bool{rootAbs: true}
	cfg := &Config{Includes: []string{"a.yaml"}}

	err = processIncludes(cfg, ".", visited, 0)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "config.yaml") || !strings.Contains(err.Error(), "included twice") {
		t.Errorf("cycle should be reported at the root file %s: %v", root, err)
	}
	for f := range visited {
		if !filepath.IsAbs(f) {
			t.Errorf("visited key %q is not absolute", f)
		}
	}
}

func TestIncludesEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"../outside.yaml\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for include outside config dir")
	}
}
