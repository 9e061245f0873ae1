package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/specwright/specwright/internal/config"
	"github.com/specwright/specwright/internal/model"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Register the current directory as a specwright project",
		Long: `Register the current directory as a specwright project.

Creates a project record in the shared database, writes the
.specwright/project.yaml marker, and seeds the project config under
$HOME/.specwright/projects/<id>/config.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if id, err := currentProjectID(); err == nil {
				fmt.Printf("Already initialized (project %s)\n", shortID(id))
				return nil
			}

			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			project := &model.Project{Dir: dir}
			if err := repo.CreateProject(ctx, project); err != nil {
				return err
			}
			if err := writeProjectMarker(project.ID); err != nil {
				return err
			}
			if err := config.Save(config.Default(), project.ID); err != nil {
				return err
			}

			path, _ := config.ProjectConfigPath(project.ID)
			fmt.Printf("Initialized project %s\n", shortID(project.ID))
			fmt.Printf("Config: %s\n", path)
			return nil
		},
	}
}
