package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [spec-id]",
		Short: "Show specs and their chunks",
		Long: `Show the project's specs, or one spec with its chunks.

Example:
  specwright status
  specwright status 4f2a`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			if len(args) == 0 {
				specs, err := pc.repo.ListSpecsByProject(ctx, pc.project.ID)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(specs)
				}
				printSpecTable(specs)
				return nil
			}

			spec, err := pc.resolveSpec(ctx, args[0])
			if err != nil {
				return err
			}
			chunks, err := pc.repo.GetChunksBySpec(ctx, spec.ID)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{"spec": spec, "chunks": chunks})
			}

			fmt.Printf("Spec %s: %s [%s]\n", shortID(spec.ID), spec.Title, spec.Status)
			if spec.Branch != "" {
				fmt.Printf("Branch: %s\n", spec.Branch)
			}
			if spec.PRURL != "" {
				fmt.Printf("PR: #%d %s\n", spec.PRNumber, spec.PRURL)
			}
			if spec.Error != "" {
				fmt.Printf("Error: %s\n", spec.Error)
			}
			fmt.Println()
			printChunkTable(chunks)
			return nil
		},
	}
}
