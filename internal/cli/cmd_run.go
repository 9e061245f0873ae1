package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/model"
)

// abortDrain bounds how long run waits for the worker after an interrupt.
const abortDrain = 30 * time.Second

// newRunCmd creates the run command.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <spec-id>",
		Short: "Run a spec to completion",
		Long: `Run a spec's chunks through execute, validate, review, and commit.

The spec runs on its own branch in a worktree next to the project. Each
passing chunk becomes one commit; at the end the branch is pushed and a
pull request opened. Interrupt with Ctrl-C to abort cleanly.

Example:
  specwright run 4f2a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pc, err := loadProjectContext(ctx)
			if err != nil {
				return err
			}
			defer pc.close()

			spec, err := pc.resolveSpec(ctx, args[0])
			if err != nil {
				return err
			}

			a, err := newApp(ctx, pc)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), abortDrain)
				defer cancel()
				a.close(closeCtx)
			}()

			ch := a.orch.SubscribeSpec(spec.ID)
			defer a.orch.UnsubscribeSpec(spec.ID, ch)

			res, err := a.orch.StartSpec(ctx, spec.ID)
			if err != nil {
				return err
			}
			if !res.Accepted {
				return fmt.Errorf("spec not started: %s", res.Reason)
			}
			if !quiet {
				fmt.Printf("Running spec %s: %s\n", shortID(spec.ID), spec.Title)
			}

			if err := renderRun(ctx, a, spec.ID, ch); err != nil {
				return err
			}

			final, err := pc.repo.GetSpec(context.Background(), spec.ID)
			if err != nil {
				return err
			}
			printRunResult(final)
			if final.Status == model.SpecFailed {
				return fmt.Errorf("spec failed: %s", final.Error)
			}
			return nil
		},
	}
}

// renderRun prints the event stream until the spec reaches a terminal event.
// On interrupt it aborts the spec and drains until the worker unwinds.
func renderRun(ctx context.Context, a *app, specID string, ch <-chan events.Event) error {
	interrupted := false
	for {
		select {
		case <-ctx.Done():
			if interrupted {
				continue
			}
			interrupted = true
			fmt.Println("\nInterrupt received, aborting spec...")
			abortCtx, cancel := context.WithTimeout(context.Background(), abortDrain)
			err := a.orch.AbortSpec(abortCtx, specID)
			cancel()
			if err != nil {
				return err
			}

		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			printEvent(evt)
			if evt.Type == events.EventSpecComplete || evt.Type == events.EventSpecAborted {
				return nil
			}
		}
	}
}

// printEvent renders one progress line per significant event.
func printEvent(evt events.Event) {
	if quiet {
		return
	}
	switch evt.Type {
	case events.EventSpecStart:
		fmt.Println("▸ spec started")
	case events.EventChunkStart:
		fmt.Printf("▸ chunk %s started\n", shortID(evt.ChunkID))
	case events.EventChunkComplete:
		fmt.Printf("▸ chunk %s finished\n", shortID(evt.ChunkID))
	case events.EventDependencyBlocked:
		fmt.Printf("✗ chunk %s blocked by a failed dependency\n", shortID(evt.ChunkID))
	case events.EventToolCall:
		if verbose {
			if data, ok := evt.Data.(events.ToolCallData); ok {
				fmt.Printf("  tool %s [%s]\n", data.Name, data.Status)
			}
		}
	case events.EventValidationComplete:
		if data, ok := evt.Data.(events.ValidationData); ok {
			fmt.Printf("  validation: %d file(s) changed\n", data.FilesChanged)
		}
	case events.EventReviewComplete:
		if data, ok := evt.Data.(events.ReviewData); ok {
			fmt.Printf("  review: %s\n", data.Status)
		}
	case events.EventGitCommit:
		if data, ok := evt.Data.(events.CommitData); ok {
			fmt.Printf("  commit %s\n", shortID(data.SHA))
		}
	case events.EventGitPush:
		fmt.Println("▸ branch pushed")
	case events.EventPRCreated:
		if data, ok := evt.Data.(events.PRData); ok {
			fmt.Printf("▸ pull request #%d: %s\n", data.Number, data.URL)
		}
	case events.EventFinalReviewStart:
		fmt.Println("▸ final review")
	case events.EventConnection:
		if data, ok := evt.Data.(events.ConnectionData); ok && !data.Connected {
			fmt.Printf("! executor connection lost (attempt %d)\n", data.Attempt)
		}
	case events.EventError:
		if data, ok := evt.Data.(events.ErrorData); ok {
			fmt.Printf("✗ %s\n", data.Message)
			if data.Fix != "" {
				fmt.Printf("  fix: %s\n", data.Fix)
			}
		}
	}
}

func printRunResult(spec *model.Spec) {
	if quiet {
		return
	}
	switch spec.Status {
	case model.SpecReview:
		fmt.Printf("Spec %s is in review", shortID(spec.ID))
		if spec.PRURL != "" {
			fmt.Printf(" (%s)", spec.PRURL)
		}
		fmt.Println()
	case model.SpecCompleted:
		fmt.Printf("Spec %s completed\n", shortID(spec.ID))
	case model.SpecFailed:
		fmt.Printf("Spec %s failed: %s\n", shortID(spec.ID), spec.Error)
	default:
		fmt.Printf("Spec %s: %s\n", shortID(spec.ID), spec.Status)
	}
}
