package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/specwright/specwright/internal/git"
)

// newWorktreesCmd creates the worktrees command group.
func newWorktreesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Inspect and clean spec worktrees",
	}
	cmd.AddCommand(newWorktreesListCmd())
	cmd.AddCommand(newWorktreesCleanCmd())
	return cmd
}

func newWorktreesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List spec worktrees, flagging orphaned and stale entries",
		Long: `List the worktrees next to the project.

Orphaned entries belong to no known spec; stale entries have not been
touched for longer than git.stale_after (default 7 days) without the
spec being merged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			entries, err := scanWorktrees(cmd, pc)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No worktrees")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SPEC\tBRANCH\tAGE\tFLAGS")
			for _, e := range entries {
				flags := ""
				if e.Orphaned {
					flags += "orphaned "
				}
				if e.Stale {
					flags += "stale"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					shortID(e.SpecID), e.Branch, age(e.ModTime), flags)
			}
			return w.Flush()
		},
	}
}

func newWorktreesCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned and/or stale worktrees",
		Long: `Remove worktrees flagged by the scan.

At least one of --orphaned or --stale must be given; nothing is ever
removed implicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orphaned, _ := cmd.Flags().GetBool("orphaned")
			stale, _ := cmd.Flags().GetBool("stale")
			if !orphaned && !stale {
				return fmt.Errorf("nothing selected: pass --orphaned and/or --stale")
			}

			ctx := cmd.Context()
			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			entries, err := scanWorktrees(cmd, pc)
			if err != nil {
				return err
			}
			var doomed []git.WorktreeEntry
			for _, e := range entries {
				if (orphaned && e.Orphaned) || (stale && e.Stale) {
					doomed = append(doomed, e)
				}
			}
			if len(doomed) == 0 {
				fmt.Println("Nothing to remove")
				return nil
			}

			ws := git.NewWorkspace(pc.project.Dir, pc.cfg.Git.BaseBranch)
			removed, err := ws.RemoveEntries(ctx, doomed)
			for _, path := range removed {
				fmt.Println("Removed", path)
			}
			return err
		},
	}
	cmd.Flags().Bool("orphaned", false, "remove worktrees with no known spec")
	cmd.Flags().Bool("stale", false, "remove worktrees older than git.stale_after")
	return cmd
}

// scanWorktrees classifies worktree entries against the project's specs.
// Merged specs no longer claim their worktree.
func scanWorktrees(cmd *cobra.Command, pc *projectContext) ([]git.WorktreeEntry, error) {
	ctx := cmd.Context()
	specs, err := pc.repo.ListSpecsByProject(ctx, pc.project.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		known[s.ID] = !s.Status.Terminal()
	}

	ws := git.NewWorkspace(pc.project.Dir, pc.cfg.Git.BaseBranch)
	return ws.ScanWorktrees(ctx, func(specID string) bool { return known[specID] },
		pc.cfg.Git.StaleAfter)
}
