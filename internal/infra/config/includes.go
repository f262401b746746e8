package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// processIncludes overlays every file named by cfg.Includes onto cfg, in order.
// Relative patterns resolve against dir and may be globs; a glob matching nothing is
// skipped, a literal path that does not exist is an error. visited holds absolute paths
// already merged so cycles are rejected.
func processIncludes(cfg *Config, dir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: nested deeper than %d", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		files, err := expandInclude(pattern, dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			if visited[f] {
				return fmt.Errorf("config includes: %q included twice (cycle?)", f)
			}
			visited[f] = true
			if err := overlayFile(cfg, f, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func expandInclude(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: %q is outside %s", pattern, dir)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		abs, err := filepath.Abs(pattern)
		if err != nil {
			return nil, fmt.Errorf("config includes: %w", err)
		}
		return []string{abs}, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	for i, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("config includes: %w", err)
		}
		matches[i] = abs
	}
	return matches, nil
}

func overlayFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %s: %w", path, err)
	}
	if len(cfg.Includes) > 0 {
		return processIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}
