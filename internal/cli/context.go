// This file resolves the per-directory project context shared by commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/specwright/specwright/internal/config"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/store"
)

const (
	// markerDir is the per-project marker directory.
	markerDir = ".specwright"
	// markerFile links a working copy to its project record.
	markerFile = "project.yaml"
	// dbFile is the shared database under $HOME/.specwright.
	dbFile = "specwright.db"
)

// projectMarker is the content of .specwright/project.yaml.
type projectMarker struct {
	ProjectID string `yaml:"project_id"`
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, config.SpecwrightDir), nil
}

// openStore opens the shared database, creating the directory on first use.
func openStore() (*store.SQLiteStore, error) {
	dir, err := homeDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return store.Open(filepath.Join(dir, dbFile))
}

// currentProjectID reads the marker in the working directory.
func currentProjectID() (string, error) {
	data, err := os.ReadFile(filepath.Join(markerDir, markerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("not a specwright project (run 'specwright init' first)")
		}
		return "", err
	}
	var m projectMarker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse %s/%s: %w", markerDir, markerFile, err)
	}
	if m.ProjectID == "" {
		return "", fmt.Errorf("%s/%s has no project_id", markerDir, markerFile)
	}
	return m.ProjectID, nil
}

// writeProjectMarker records the project id in the working directory.
func writeProjectMarker(projectID string) error {
	if err := os.MkdirAll(markerDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(projectMarker{ProjectID: projectID})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(markerDir, markerFile), data, 0o644)
}

// projectContext is the resolved environment most commands operate in.
type projectContext struct {
	repo    *store.SQLiteStore
	project *model.Project
	cfg     *config.Config
}

// loadProjectContext opens the store and resolves the current project and
// its layered config, with viper-bound overrides applied last.
func loadProjectContext(ctx context.Context) (*projectContext, error) {
	id, err := currentProjectID()
	if err != nil {
		return nil, err
	}
	repo, err := openStore()
	if err != nil {
		return nil, err
	}
	project, err := repo.GetProject(ctx, id)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	cfg, err := config.Load(id)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	applyOverrides(cfg)
	return &projectContext{repo: repo, project: project, cfg: cfg}, nil
}

func (pc *projectContext) close() {
	_ = pc.repo.Close()
}

// applyOverrides layers viper-managed settings (config file keys and
// SPECWRIGHT_* env) over the project config.
func applyOverrides(cfg *config.Config) {
	if v := viper.GetString("executor.endpoint"); v != "" {
		cfg.Executor.Endpoint = v
	}
	if v := viper.GetString("executor.model"); v != "" {
		cfg.Executor.Model = v
	}
	if v := viper.GetString("reviewer.cli_path"); v != "" {
		cfg.Reviewer.CLIPath = v
	}
	if viper.IsSet("reviewer.auto_approve") {
		cfg.Reviewer.AutoApprove = viper.GetBool("reviewer.auto_approve")
	}
	if v := viper.GetInt("max_concurrent"); v > 0 {
		cfg.MaxConcurrent = v
	}
}

// resolveSpec finds a spec of the project by full id or unique id prefix.
func (pc *projectContext) resolveSpec(ctx context.Context, ref string) (*model.Spec, error) {
	specs, err := pc.repo.ListSpecsByProject(ctx, pc.project.ID)
	if err != nil {
		return nil, err
	}
	var match *model.Spec
	for _, s := range specs {
		if s.ID == ref {
			return s, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("spec id %q is ambiguous", ref)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no spec matching %q", ref)
	}
	return match, nil
}
