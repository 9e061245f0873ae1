package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/specwright/specwright/internal/claude"
	"github.com/specwright/specwright/internal/planner"
)

// newPlanCmd creates the plan command.
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <spec-id>",
		Short: "Decompose a spec into chunks",
		Long: `Ask the planner backend to break a spec into ordered chunks.

With --dry-run the proposed breakdown is printed without persisting
anything. Otherwise the chunks are created on the spec, with proposal
dependencies mapped to chunk ids.

Example:
  specwright plan 4f2a --dry-run
  specwright plan 4f2a`,
		Args: cobra.ExactArgs(1),
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

			opts := []claude.Option{}
			if pc.cfg.Planner.Model != "" {
				opts = append(opts, claude.WithModel(pc.cfg.Planner.Model))
			}
			runner := claude.New(pc.cfg.Planner.CLIPath, opts...)
			p := planner.New(pc.repo, runner, pc.cfg)

			breakdown, err := p.Plan(ctx, spec, pc.project.Dir)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				if jsonOut {
					return printJSON(breakdown)
				}
				if breakdown.Summary != "" {
					fmt.Println(breakdown.Summary)
					fmt.Println()
				}
				for _, proposal := range breakdown.Chunks {
					fmt.Printf("%d. %s\n", proposal.Index, proposal.Title)
					if len(proposal.DependsOn) > 0 {
						fmt.Printf("   depends on %v\n", proposal.DependsOn)
					}
				}
				return nil
			}

			chunks, err := p.Apply(ctx, spec, breakdown)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(chunks)
			}
			fmt.Printf("Created %d chunk(s) on spec %s\n", len(chunks), shortID(spec.ID))
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "print the proposed breakdown without creating chunks")
	return cmd
}
