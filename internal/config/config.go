// Package config provides configuration management for specwright.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// SpecwrightDir is the specwright configuration directory under $HOME.
	SpecwrightDir = ".specwright"

	// MaxIterationsCeiling caps the per-lineage fix-chunk budget.
	MaxIterationsCeiling = 20
)

// ExecutorConfig configures the long-running opencode backend.
type ExecutorConfig struct {
	// Endpoint is the base URL of the opencode server.
	Endpoint string `yaml:"endpoint"`
	// Model passed with every prompt.
	Model string `yaml:"model"`
	// Timeout bounds a single execute stage.
	Timeout time.Duration `yaml:"timeout"`
	// MaxTokens limits response length (0 = server default).
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// PlannerConfig configures the chunk-planning CLI.
type PlannerConfig struct {
	CLIPath string `yaml:"cli_path"`
	Model   string `yaml:"model,omitempty"`
}

// ReviewerConfig configures the short-lived review CLI.
type ReviewerConfig struct {
	CLIPath string `yaml:"cli_path"`
	Model   string `yaml:"model,omitempty"`
	// AutoApprove skips the review stage entirely and marks chunks pass.
	AutoApprove bool `yaml:"auto_approve"`
	// Timeout bounds a single review call.
	Timeout time.Duration `yaml:"timeout"`
}

// GitConfig configures workspace isolation.
type GitConfig struct {
	// BaseBranch is the branch spec branches fork from.
	BaseBranch string `yaml:"base_branch"`
	// UseWorktrees selects worktree isolation over in-place checkout.
	UseWorktrees bool `yaml:"use_worktrees"`
	// StaleAfter is the age past which an unmerged worktree is reported stale.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ValidationConfig configures the pipeline validate stage.
type ValidationConfig struct {
	// BuildCommand is run after execution when non-empty.
	BuildCommand string `yaml:"build_command,omitempty"`
	// BuildFatal fails the chunk when the build command exits non-zero.
	BuildFatal bool `yaml:"build_fatal"`
	// StrictNoChange applies the no-files-changed auto-fail even to chunks
	// whose description does not demand code changes.
	StrictNoChange bool `yaml:"strict_no_change"`
	// IgnorePatterns are doublestar globs excluded from change detection.
	IgnorePatterns []string `yaml:"ignore_patterns,omitempty"`
}

// Config represents the specwright configuration for one project.
type Config struct {
	Version int `yaml:"version"`

	Executor ExecutorConfig `yaml:"executor"`
	Planner  PlannerConfig  `yaml:"planner"`
	Reviewer ReviewerConfig `yaml:"reviewer"`

	Git        GitConfig        `yaml:"git"`
	Validation ValidationConfig `yaml:"validation"`

	// MaxIterations bounds the fix-chunk lineage per chunk (≤ 20).
	MaxIterations int `yaml:"max_iterations"`
	// MaxConcurrent bounds simultaneously running workers.
	MaxConcurrent int `yaml:"max_concurrent"`
	// FailFast aborts a spec on the first non-retryable chunk failure.
	FailFast bool `yaml:"fail_fast"`
	// FinalReview enables the whole-diff review after the chunk loop.
	FinalReview bool `yaml:"final_review"`
	// FinalReviewPasses bounds final-review iterations before forced accept.
	FinalReviewPasses int `yaml:"final_review_passes"`
	// HostingToken authenticates API-based PR creation. Empty means the
	// gh CLI is used instead.
	HostingToken string `yaml:"hosting_token,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Executor: ExecutorConfig{
			Endpoint: "http://localhost:4096",
			Timeout:  15 * time.Minute,
		},
		Planner: PlannerConfig{
			CLIPath: "claude",
		},
		Reviewer: ReviewerConfig{
			CLIPath: "claude",
			Timeout: 2 * time.Minute,
		},
		Git: GitConfig{
			BaseBranch:   "main",
			UseWorktrees: true,
			StaleAfter:   7 * 24 * time.Hour,
		},
		Validation: ValidationConfig{
			IgnorePatterns: []string{
				"**/.git/**",
				"**/node_modules/**",
				"**/.specwright/**",
			},
		},
		MaxIterations:     5,
		MaxConcurrent:     3,
		FinalReviewPasses: 2,
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > MaxIterationsCeiling {
		return fmt.Errorf("max_iterations must be in [1, %d], got %d", MaxIterationsCeiling, c.MaxIterations)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.Executor.Endpoint == "" {
		return fmt.Errorf("executor.endpoint must not be empty")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.Reviewer.Timeout <= 0 {
		return fmt.Errorf("reviewer.timeout must be positive")
	}
	if c.FinalReviewPasses < 1 {
		return fmt.Errorf("final_review_passes must be >= 1, got %d", c.FinalReviewPasses)
	}
	return nil
}

// ProjectConfigPath returns the config path for a project id.
func ProjectConfigPath(projectID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, SpecwrightDir, "projects", projectID, ConfigFileName), nil
}

// UserConfigPath returns the user-level config path.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, SpecwrightDir, ConfigFileName), nil
}
