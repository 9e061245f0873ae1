package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration for a project with layered sources.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. User config ($HOME/.specwright/config.yaml) - optional
//  3. Project config ($HOME/.specwright/projects/<id>/config.yaml) - optional
//  4. Environment variables (SPECWRIGHT_*)
func Load(projectID string) (*Config, error) {
	cfg := Default()

	if userPath, err := UserConfigPath(); err == nil {
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	if projectID != "" {
		projectPath, err := ProjectConfigPath(projectID)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(projectPath); err == nil {
			// Project config errors are fatal
			if err := mergeFromFile(cfg, projectPath); err != nil {
				return nil, err
			}
		}
	}

	applyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads a single config file over defaults, without layering.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFromFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the project's config path, creating parents.
func Save(cfg *Config, projectID string) error {
	path, err := ProjectConfigPath(projectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvVars overrides config fields from SPECWRIGHT_* environment
// variables. Only operationally useful knobs are exposed.
func applyEnvVars(cfg *Config) {
	if v := os.Getenv("SPECWRIGHT_EXECUTOR_ENDPOINT"); v != "" {
		cfg.Executor.Endpoint = v
	}
	if v := os.Getenv("SPECWRIGHT_EXECUTOR_MODEL"); v != "" {
		cfg.Executor.Model = v
	}
	if v := os.Getenv("SPECWRIGHT_EXECUTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.Timeout = d
		} else {
			slog.Warn("invalid SPECWRIGHT_EXECUTOR_TIMEOUT", "value", v, "error", err)
		}
	}
	if v := os.Getenv("SPECWRIGHT_REVIEWER_CLI"); v != "" {
		cfg.Reviewer.CLIPath = v
	}
	if v := os.Getenv("SPECWRIGHT_PLANNER_CLI"); v != "" {
		cfg.Planner.CLIPath = v
	}
	if v := os.Getenv("SPECWRIGHT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		} else {
			slog.Warn("invalid SPECWRIGHT_MAX_CONCURRENT", "value", v)
		}
	}
	if v := os.Getenv("SPECWRIGHT_HOSTING_TOKEN"); v != "" {
		cfg.HostingToken = v
	}
}
