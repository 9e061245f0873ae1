package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newQueueCmd creates the queue command.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue <spec-id>",
		Short: "Queue a spec for execution",
		Long: `Add a spec to the persistent execution queue.

Queued specs are picked up, highest priority first, whenever the
orchestrator has worker capacity; the queue survives restarts.
Re-queueing an already queued spec updates its priority.`,
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
			priority, _ := cmd.Flags().GetInt("priority")

			item, err := pc.repo.EnqueueSpec(ctx, spec.ID, spec.ProjectID, priority)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(item)
			}
			fmt.Printf("Queued spec %s (priority %d)\n", shortID(spec.ID), item.Priority)
			return nil
		},
	}
	cmd.Flags().IntP("priority", "p", 0, "queue priority (higher runs first)")
	return cmd
}

// newAbortCmd creates the abort command.
func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <spec-id>",
		Short: "Remove a spec from the queue",
		Long: `Remove a spec from the persistent execution queue.

Aborting a spec that is neither queued nor running is a no-op. A spec
running under 'specwright run' is aborted with Ctrl-C in that session.`,
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
			if err := pc.repo.RemoveQueueItem(ctx, spec.ID); err != nil {
				return err
			}
			fmt.Printf("Spec %s dequeued\n", shortID(spec.ID))
			return nil
		},
	}
}
