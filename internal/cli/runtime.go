// This file assembles the live execution stack for commands that run specs.
package cli

import (
	"context"
	"log/slog"

	"github.com/specwright/specwright/internal/claude"
	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/git"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/opencode"
	"github.com/specwright/specwright/internal/orchestrator"
	"github.com/specwright/specwright/internal/pipeline"
	"github.com/specwright/specwright/internal/sequencer"
)

// app wires store, backends, and orchestrator together for a run.
type app struct {
	pc   *projectContext
	pub  *events.MemoryPublisher
	orch *orchestrator.Orchestrator

	stopStream context.CancelFunc
}

// newApp builds the stack and starts the orchestrator and the global SSE
// stream. Callers own shutdown via close.
func newApp(ctx context.Context, pc *projectContext) (*app, error) {
	cfg := pc.cfg
	pub := events.NewMemoryPublisher()

	execClient := opencode.New(cfg.Executor.Endpoint)
	stream := opencode.NewStream(execClient, opencode.WithConnectionHandler(
		func(connected bool, attempt int) {
			pub.Publish(events.New(events.EventConnection, events.GlobalSpecID,
				events.ConnectionData{Connected: connected, Attempt: attempt}))
		}))
	streamCtx, stopStream := context.WithCancel(context.Background())
	go func() {
		if err := stream.Run(streamCtx); err != nil && streamCtx.Err() == nil {
			slog.Error("executor event stream ended", "error", err)
		}
	}()

	reviewerOpts := []claude.Option{}
	if cfg.Reviewer.Model != "" {
		reviewerOpts = append(reviewerOpts, claude.WithModel(cfg.Reviewer.Model))
	}
	reviewer := claude.New(cfg.Reviewer.CLIPath, reviewerOpts...)

	factory := func(project *model.Project) *orchestrator.Runtime {
		ws := git.NewWorkspace(project.Dir, cfg.Git.BaseBranch)
		pipe := pipeline.New(pc.repo, execClient, stream, reviewer, pub, cfg)
		seq := sequencer.New(pc.repo, pipe, ws, reviewer, pub, cfg)
		return &orchestrator.Runtime{Sequencer: seq, Pipeline: pipe, Git: ws}
	}

	orch := orchestrator.New(pc.repo, pub, cfg, factory,
		orchestrator.WithHealthCheck(execClient.CheckHealth))
	if err := orch.Start(ctx); err != nil {
		stopStream()
		return nil, err
	}

	return &app{pc: pc, pub: pub, orch: orch, stopStream: stopStream}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.orch.Stop(ctx)
	a.stopStream()
}
