package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateBounds(t *testing.T) {
	cfg := Default()
	cfg.MaxIterations = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxIterations = MaxIterationsCeiling + 1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxConcurrent = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Executor.Endpoint = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Reviewer.Timeout = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.FinalReviewPasses = 0
	require.Error(t, cfg.Validate())
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor:
  endpoint: http://executor:9000
  timeout: 5m
max_concurrent: 7
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://executor:9000", cfg.Executor.Endpoint)
	assert.Equal(t, 5*time.Minute, cfg.Executor.Timeout)
	assert.Equal(t, 7, cfg.MaxConcurrent)
	// Untouched fields keep their defaults.
	assert.Equal(t, "claude", cfg.Reviewer.CLIPath)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.Equal(t, 5, cfg.MaxIterations)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 0\n"), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadLayersUserAndProjectConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	userPath, err := UserConfigPath()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte(`
executor:
  model: user-model
max_concurrent: 2
`), 0o644))

	projectPath, err := ProjectConfigPath("proj-1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(projectPath), 0o755))
	require.NoError(t, os.WriteFile(projectPath, []byte("max_concurrent: 4\n"), 0o644))

	cfg, err := Load("proj-1")
	require.NoError(t, err)
	// Project config wins over user config; user config wins over defaults.
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, "user-model", cfg.Executor.Model)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SPECWRIGHT_EXECUTOR_ENDPOINT", "http://env:1234")
	t.Setenv("SPECWRIGHT_REVIEWER_CLI", "/opt/claude")
	t.Setenv("SPECWRIGHT_MAX_CONCURRENT", "6")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://env:1234", cfg.Executor.Endpoint)
	assert.Equal(t, "/opt/claude", cfg.Reviewer.CLIPath)
	assert.Equal(t, 6, cfg.MaxConcurrent)
}

func TestLoadIgnoresInvalidEnvValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SPECWRIGHT_MAX_CONCURRENT", "zero")
	t.Setenv("SPECWRIGHT_EXECUTOR_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, Default().Executor.Timeout, cfg.Executor.Timeout)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Default()
	cfg.Executor.Model = "saved-model"
	require.NoError(t, Save(cfg, "proj-1"))

	path, err := ProjectConfigPath("proj-1")
	require.NoError(t, err)
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.Executor.Model)
}
