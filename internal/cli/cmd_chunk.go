package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/specwright/specwright/internal/model"
)

// newChunkCmd creates the chunk command group.
func newChunkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunk",
		Short: "Manage a spec's chunks",
	}
	cmd.AddCommand(newChunkAddCmd())
	cmd.AddCommand(newChunkListCmd())
	return cmd
}

func newChunkAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <spec-id> <title>",
		Short: "Add a chunk to a spec",
		Long: `Add a chunk to a spec.

Chunks run in order, lowest first. Dependencies (--depends-on, repeatable)
must commit before the chunk becomes ready; cycles are rejected.

Example:
  specwright chunk add 4f2a "Create user model" --order 1
  specwright chunk add 4f2a "Wire login handler" --order 2 --depends-on <chunk-id>`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			spec, err := pc.resolveSpec(ctx, args[0])
			if err != nil {
				return err
			}
			order, _ := cmd.Flags().GetInt("order")
			desc, _ := cmd.Flags().GetString("description")
			deps, _ := cmd.Flags().GetStringSlice("depends-on")
			if desc == "" {
				desc = args[1]
			}

			chunk := &model.Chunk{
				SpecID:      spec.ID,
				Title:       args[1],
				Description: desc,
				Order:       order,
				DependsOn:   deps,
			}
			if err := pc.repo.CreateChunk(ctx, chunk); err != nil {
				return err
			}

			if jsonOut {
				return printJSON(chunk)
			}
			fmt.Printf("Added chunk %s to spec %s: %s\n",
				shortID(chunk.ID), shortID(spec.ID), chunk.Title)
			return nil
		},
	}
	cmd.Flags().Int("order", 0, "execution order (lowest runs first)")
	cmd.Flags().StringP("description", "d", "", "prompt sent to the executor (defaults to title)")
	cmd.Flags().StringSlice("depends-on", nil, "chunk ids that must commit first")
	return cmd
}

func newChunkListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <spec-id>",
		Short: "List a spec's chunks in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			spec, err := pc.resolveSpec(ctx, args[0])
			if err != nil {
				return err
			}
			chunks, err := pc.repo.GetChunksBySpec(ctx, spec.ID)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(chunks)
			}
			printChunkTable(chunks)
			return nil
		},
	}
}
