package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/specwright/specwright/internal/model"
)

// newNewCmd creates the new command.
func newNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a spec",
		Long: `Create a spec in the current project.

The spec body can be supplied from a file; without one the title doubles
as the content. Specs start in status ready and run once chunks are added.

Example:
  specwright new "Add user authentication" --file auth-spec.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			content := args[0]
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read spec file: %w", err)
				}
				content = string(data)
			}

			spec := &model.Spec{
				ProjectID: pc.project.ID,
				Title:     args[0],
				Content:   content,
				Status:    model.SpecReady,
			}
			if err := pc.repo.CreateSpec(ctx, spec); err != nil {
				return err
			}

			if jsonOut {
				return printJSON(spec)
			}
			fmt.Printf("Created spec %s: %s\n", shortID(spec.ID), spec.Title)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "read spec content from file")
	return cmd
}
