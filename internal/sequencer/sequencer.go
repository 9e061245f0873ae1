// Package sequencer drives all chunks of a spec to terminal states: it
// honours inter-chunk dependencies, applies per-spec policies (fix iteration
// budget, fail-fast), runs the optional final review, and orchestrates git
// init, push, and pull request around the chunk loop.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/specwright/specwright/internal/claude"
	"github.com/specwright/specwright/internal/config"
	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/git"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/pipeline"
	"github.com/specwright/specwright/internal/store"
)

// PipelineRunner runs one chunk through the four stages.
type PipelineRunner interface {
	Run(ctx context.Context, in pipeline.RunInput) (*pipeline.Outcome, error)
}

// GitManager is the workspace surface the sequencer needs, the pipeline's
// view plus the spec-level lifecycle.
type GitManager interface {
	pipeline.Git
	IsRepo(ctx context.Context) bool
	Init(ctx context.Context, specID, title string) (*git.Info, error)
	Cleanup(ctx context.Context, specID string, removeWorktree bool) error
	Push(ctx context.Context, dir, branch string) error
	OpenPR(ctx context.Context, dir string, opts git.PROptions) (*git.PullRequest, error)
	Diff(ctx context.Context, dir string) (string, error)
	HasCommits(ctx context.Context, dir string) (bool, error)
}

// Sequencer runs one spec at a time. A single instance may be reused for
// sequential specs of the same project.
type Sequencer struct {
	repo     store.Repository
	pipe     PipelineRunner
	git      GitManager
	reviewer pipeline.Reviewer
	pub      events.Publisher
	cfg      *config.Config
	logger   *slog.Logger
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// New creates a sequencer.
func New(repo store.Repository, pipe PipelineRunner, gitMgr GitManager, reviewer pipeline.Reviewer, pub events.Publisher, cfg *config.Config, opts ...Option) *Sequencer {
	s := &Sequencer{
		repo:     repo,
		pipe:     pipe,
		git:      gitMgr,
		reviewer: reviewer,
		pub:      pub,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarises a spec run.
type Result struct {
	Status    model.SpecStatus
	Completed int
	Failed    int
	Skipped   int
	Commits   int
	PRNumber  int
	PRURL     string
	Reason    string
}

// Run drives the spec to a terminal state. It always returns a Result; the
// error covers infrastructure failures only.
func (s *Sequencer) Run(ctx context.Context, specID string) (*Result, error) {
	start := time.Now()
	log := s.logger.With("spec_id", specID)

	spec, err := s.repo.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	if spec.Status == model.SpecMerged {
		return nil, specerr.ErrSpecInvalidState(specID, string(spec.Status), "ready")
	}

	chunks, err := s.repo.GetChunksBySpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	if err := s.setSpecStatus(ctx, specID, model.SpecRunning, ""); err != nil {
		return nil, err
	}

	// Workspace surround: init before the first chunk, cleanup on every
	// exit path.
	workDir, branch, gitEnabled, err := s.initWorkspace(ctx, spec)
	if err != nil {
		reason := fmt.Sprintf("workspace init failed: %v", err)
		_ = s.setSpecStatus(ctx, specID, model.SpecFailed, reason)
		s.pub.Publish(events.New(events.EventSpecAborted, specID, reason))
		return &Result{Status: model.SpecFailed, Reason: reason}, nil
	}
	var res *Result
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// The worktree survives successful runs for PR updates; a failed
		// run that committed nothing leaves nothing worth keeping.
		remove := res != nil && res.Status == model.SpecFailed && res.Commits == 0
		if err := s.git.Cleanup(cleanupCtx, specID, remove); err != nil {
			log.Warn("workspace cleanup failed", "error", err)
		}
	}()

	s.pub.Publish(events.New(events.EventSpecStart, specID,
		events.SpecStartData{TotalChunks: len(chunks)}))
	for _, c := range chunks {
		// Chunks skipped before the run still satisfy dependency edges;
		// subscribers learn up front that they will not execute.
		if c.Status == model.ChunkSkipped {
			s.pub.Publish(events.NewChunk(events.EventChunkSkipped, specID, c.ID, c.Title))
		}
	}
	log.Info("spec run started", "chunks", len(chunks), "branch", branch)

	res = s.chunkLoop(ctx, spec, workDir, gitEnabled)

	// Final review and PR happen only for uncancelled runs with commits.
	if ctx.Err() == nil && gitEnabled && res.Commits > 0 {
		if s.cfg.FinalReview {
			s.finalReview(ctx, spec, workDir, gitEnabled, res)
		}
		if ctx.Err() == nil {
			s.publish(ctx, spec, workDir, branch, res)
		}
	}

	return s.finish(ctx, spec, res, start)
}

// initWorkspace prepares the spec's working directory. A project directory
// that is not a git repository yields a disabled workspace: chunks run in
// place without commits.
func (s *Sequencer) initWorkspace(ctx context.Context, spec *model.Spec) (workDir, branch string, enabled bool, err error) {
	project, err := s.repo.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return "", "", false, err
	}
	if !s.git.IsRepo(ctx) {
		s.logger.Info("project is not a git repository, running without isolation",
			"spec_id", spec.ID)
		return project.Dir, "", false, nil
	}

	info, err := s.git.Init(ctx, spec.ID, spec.Title)
	if err != nil {
		return "", "", false, err
	}
	if err := s.repo.UpdateSpec(ctx, spec.ID, store.SpecPatch{Branch: &info.Branch}); err != nil {
		return "", "", false, err
	}
	spec.Branch = info.Branch
	s.pub.Publish(events.New(events.EventGitInit, spec.ID, model.GitState{
		Enabled:    true,
		Branch:     info.Branch,
		WorkDir:    info.Path,
		IsWorktree: true,
		BaseBranch: s.cfg.Git.BaseBranch,
	}))
	return info.Path, info.Branch, true, nil
}

// chunkLoop runs the dependency-aware selection loop until no chunk is
// runnable.
func (s *Sequencer) chunkLoop(ctx context.Context, spec *model.Spec, workDir string, gitEnabled bool) *Result {
	res := &Result{}

	for {
		if ctx.Err() != nil {
			res.Reason = "aborted"
			return res
		}

		chunks, err := s.repo.GetChunksBySpec(ctx, spec.ID)
		if err != nil {
			res.Reason = fmt.Sprintf("load chunks failed: %v", err)
			return res
		}
		byID := make(map[string]*model.Chunk, len(chunks))
		for _, c := range chunks {
			byID[c.ID] = c
		}

		pending := pendingChunks(chunks)
		if len(pending) == 0 {
			tally(chunks, res)
			return res
		}

		ready := readyChunks(pending, byID)
		if len(ready) == 0 {
			s.markBlocked(ctx, spec.ID, pending, byID)
			chunks, _ = s.repo.GetChunksBySpec(ctx, spec.ID)
			tally(chunks, res)
			return res
		}

		chunk := ready[0]
		outcome := s.runChunk(ctx, spec, chunk, byID, workDir, gitEnabled)
		if outcome == nil {
			res.Reason = "pipeline failure"
			return res
		}

		if outcome.Status == model.ChunkFailed && s.cfg.FailFast && ctx.Err() == nil {
			s.logger.Warn("fail-fast abort", "spec_id", spec.ID, "chunk_id", chunk.ID)
			chunks, _ = s.repo.GetChunksBySpec(ctx, spec.ID)
			tally(chunks, res)
			res.Reason = "fail-fast: chunk " + chunk.Title + " failed"
			return res
		}
	}
}

// runChunk executes one pipeline invocation with lineage budget accounting.
func (s *Sequencer) runChunk(ctx context.Context, spec *model.Spec, chunk *model.Chunk, byID map[string]*model.Chunk, workDir string, gitEnabled bool) *pipeline.Outcome {
	root := lineageRoot(chunk, byID)
	allowFix := root.Attempts < s.cfg.MaxIterations

	s.pub.Publish(events.NewChunk(events.EventChunkStart, spec.ID, chunk.ID, chunk.Title))

	var ws pipeline.Git
	if gitEnabled {
		ws = s.git
	}
	outcome, err := s.pipe.Run(ctx, pipeline.RunInput{
		Chunk:    chunk,
		WorkDir:  workDir,
		Git:      ws,
		AllowFix: allowFix,
	})
	if err != nil {
		s.logger.Error("pipeline infrastructure failure",
			"spec_id", spec.ID, "chunk_id", chunk.ID, "error", err)
		s.pub.Publish(events.NewChunk(events.EventError, spec.ID, chunk.ID, events.ErrorData{
			Code: string(specerr.CodeOf(err)), Message: err.Error(), Fatal: true,
		}))
		return nil
	}

	if outcome.Status == model.ChunkNeedsFix {
		attempts := root.Attempts + 1
		if uerr := s.repo.UpdateChunk(ctx, root.ID, store.ChunkPatch{Attempts: &attempts}); uerr != nil {
			s.logger.Warn("persist attempts failed", "chunk_id", root.ID, "error", uerr)
		}
		if !allowFix {
			// Budget exhausted: escalate the lineage to failed.
			status := model.ChunkFailed
			reason := fmt.Sprintf("fix iteration budget (%d) exhausted", s.cfg.MaxIterations)
			_ = s.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{Status: &status, Error: &reason})
			outcome.Status = status
			outcome.Error = reason
		}
	}

	s.pub.Publish(events.NewChunk(events.EventChunkComplete, spec.ID, chunk.ID, map[string]any{
		"status": outcome.Status, "commit_sha": outcome.CommitSHA, "error": outcome.Error,
	}))
	return outcome
}

// markBlocked fails every remaining chunk whose dependencies can no longer
// commit.
func (s *Sequencer) markBlocked(ctx context.Context, specID string, pending []*model.Chunk, byID map[string]*model.Chunk) {
	for _, c := range pending {
		blocker := firstUnsatisfied(c, byID)
		status := model.ChunkFailed
		reason := "dependency blocked"
		if blocker != "" {
			reason = fmt.Sprintf("dependency blocked by chunk %s", blocker)
		}
		if err := s.repo.UpdateChunk(ctx, c.ID, store.ChunkPatch{Status: &status, Error: &reason}); err != nil {
			s.logger.Warn("mark blocked failed", "chunk_id", c.ID, "error", err)
		}
		s.pub.Publish(events.NewChunk(events.EventDependencyBlocked, specID, c.ID,
			events.DependencyBlockedData{BlockedBy: blocker}))
	}
}

// finalReview runs whole-diff review passes, spawning fix chunks that
// re-enter the chunk loop. After the configured number of passes the diff is
// force-accepted.
func (s *Sequencer) finalReview(ctx context.Context, spec *model.Spec, workDir string, gitEnabled bool, res *Result) {
	for pass := 1; pass <= s.cfg.FinalReviewPasses; pass++ {
		if ctx.Err() != nil {
			return
		}
		s.pub.Publish(events.New(events.EventFinalReviewStart, spec.ID, pass))

		diff, err := s.git.Diff(ctx, workDir)
		if err != nil {
			s.logger.Warn("final review diff failed", "spec_id", spec.ID, "error", err)
			return
		}
		if strings.TrimSpace(diff) == "" {
			return
		}

		result, err := s.reviewer.Run(ctx, claude.Request{
			Prompt:  finalReviewPrompt(spec, diff),
			Model:   s.cfg.Reviewer.Model,
			Dir:     workDir,
			Timeout: s.cfg.Reviewer.Timeout,
		}, nil)
		if err != nil {
			s.logger.Warn("final review failed, accepting diff",
				"spec_id", spec.ID, "error", err)
			return
		}
		fixes, err := claude.ParseFinalReview(result.Text)
		if err != nil {
			s.logger.Warn("final review output unparseable, accepting diff",
				"spec_id", spec.ID, "error", err)
			return
		}

		s.pub.Publish(events.New(events.EventFinalReviewComplete, spec.ID,
			map[string]any{"pass": pass, "fixes": len(fixes)}))
		if len(fixes) == 0 {
			return
		}
		if pass == s.cfg.FinalReviewPasses {
			s.logger.Info("final review passes exhausted, forcing accept",
				"spec_id", spec.ID, "outstanding", len(fixes))
			return
		}

		if !s.spawnFinalFixes(ctx, spec, fixes) {
			return
		}
		s.pub.Publish(events.New(events.EventFinalReviewFixChunks, spec.ID, len(fixes)))

		loopRes := s.chunkLoop(ctx, spec, workDir, gitEnabled)
		// The inner loop re-tallies every chunk, so its counts replace ours.
		res.Completed, res.Failed = loopRes.Completed, loopRes.Failed
		res.Skipped, res.Commits = loopRes.Skipped, loopRes.Commits
		if loopRes.Reason != "" {
			res.Reason = loopRes.Reason
			return
		}
	}
}

// spawnFinalFixes creates fix chunks carrying a synthetic dependency on the
// last committed chunk, so they run after everything already merged into the
// branch.
func (s *Sequencer) spawnFinalFixes(ctx context.Context, spec *model.Spec, fixes []claude.FixRequest) bool {
	chunks, err := s.repo.GetChunksBySpec(ctx, spec.ID)
	if err != nil {
		return false
	}
	maxOrder := 0
	var lastCommitted *model.Chunk
	for _, c := range chunks {
		if c.Order > maxOrder {
			maxOrder = c.Order
		}
		if c.Status == model.ChunkCompleted && c.CommitSHA != "" {
			if lastCommitted == nil || c.UpdatedAt.After(lastCommitted.UpdatedAt) {
				lastCommitted = c
			}
		}
	}

	for i, fix := range fixes {
		chunk := &model.Chunk{
			SpecID:      spec.ID,
			Title:       fix.Title,
			Description: fix.Description,
			Order:       maxOrder + i + 1,
		}
		if lastCommitted != nil {
			chunk.DependsOn = []string{lastCommitted.ID}
		}
		if err := s.repo.CreateChunk(ctx, chunk); err != nil {
			s.logger.Warn("create final fix chunk failed", "error", err)
			return false
		}
	}
	return true
}

// publish pushes the branch and opens the pull request. PR failure is
// non-fatal: the commits stay on the pushed branch.
func (s *Sequencer) publish(ctx context.Context, spec *model.Spec, workDir, branch string, res *Result) {
	if err := s.git.Push(ctx, workDir, branch); err != nil {
		s.logger.Error("push failed", "spec_id", spec.ID, "error", err)
		s.pub.Publish(events.New(events.EventError, spec.ID, events.ErrorData{
			Code: string(specerr.CodeGitUnavailable), Message: err.Error(),
		}))
		return
	}
	s.pub.Publish(events.New(events.EventGitPush, spec.ID, branch))

	pr, err := s.git.OpenPR(ctx, workDir, git.PROptions{
		Title:  spec.Title,
		Body:   prBody(spec, res),
		Branch: branch,
		Token:  s.cfg.HostingToken,
	})
	if err != nil {
		se := specerr.AsError(err)
		data := events.ErrorData{Message: err.Error()}
		if se != nil {
			data.Code, data.Fix = string(se.Code), se.Fix
		}
		s.logger.Warn("pull request failed", "spec_id", spec.ID, "error", err)
		s.pub.Publish(events.New(events.EventError, spec.ID, data))
		return
	}

	res.PRNumber, res.PRURL = pr.Number, pr.URL
	if err := s.repo.UpdateSpec(ctx, spec.ID, store.SpecPatch{
		PRNumber: &pr.Number, PRURL: &pr.URL,
	}); err != nil {
		s.logger.Warn("persist PR failed", "spec_id", spec.ID, "error", err)
	}
	s.pub.Publish(events.New(events.EventPRCreated, spec.ID,
		events.PRData{Number: pr.Number, URL: pr.URL}))
}

// finish settles the spec's terminal status and emits the closing event.
func (s *Sequencer) finish(ctx context.Context, spec *model.Spec, res *Result, start time.Time) (*Result, error) {
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	switch {
	case ctx.Err() != nil || res.Reason == "aborted":
		res.Status = model.SpecFailed
		res.Reason = "aborted"
	case res.Failed > 0 || res.Reason != "":
		res.Status = model.SpecFailed
		if res.Reason == "" {
			res.Reason = fmt.Sprintf("%d chunk(s) failed", res.Failed)
		}
	case res.PRURL != "":
		res.Status = model.SpecReview
	default:
		res.Status = model.SpecCompleted
	}

	if err := s.setSpecStatus(persistCtx, spec.ID, res.Status, res.Reason); err != nil {
		return res, err
	}

	if res.Status == model.SpecFailed {
		s.pub.Publish(events.New(events.EventSpecAborted, spec.ID, res.Reason))
	} else {
		s.pub.Publish(events.New(events.EventSpecComplete, spec.ID, events.SpecCompleteData{
			Completed: res.Completed,
			Failed:    res.Failed,
			Skipped:   res.Skipped,
			Commits:   res.Commits,
			Duration:  time.Since(start).Round(time.Millisecond).String(),
		}))
	}
	s.logger.Info("spec run finished", "spec_id", spec.ID, "status", res.Status,
		"completed", res.Completed, "failed", res.Failed, "commits", res.Commits)
	return res, nil
}

func (s *Sequencer) setSpecStatus(ctx context.Context, specID string, status model.SpecStatus, reason string) error {
	patch := store.SpecPatch{Status: &status}
	if reason != "" {
		patch.Error = &reason
	}
	return s.repo.UpdateSpec(ctx, specID, patch)
}

// pendingChunks returns non-terminal chunks. needs_fix chunks stay terminal;
// their fix chunks carry the work forward.
func pendingChunks(chunks []*model.Chunk) []*model.Chunk {
	var out []*model.Chunk
	for _, c := range chunks {
		if !c.Status.Terminal() && c.Status != model.ChunkRunning {
			out = append(out, c)
		}
	}
	return out
}

// readyChunks returns pending chunks whose dependencies are all committed,
// sorted by (order asc, id asc).
func readyChunks(pending []*model.Chunk, byID map[string]*model.Chunk) []*model.Chunk {
	var ready []*model.Chunk
	for _, c := range pending {
		if firstUnsatisfied(c, byID) == "" {
			ready = append(ready, c)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Order != ready[j].Order {
			return ready[i].Order < ready[j].Order
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// firstUnsatisfied returns the id of the first dependency that is not in a
// committed state, or "" when all are satisfied.
func firstUnsatisfied(c *model.Chunk, byID map[string]*model.Chunk) string {
	for _, dep := range c.DependsOn {
		d, ok := byID[dep]
		if !ok || !d.Committed() {
			return dep
		}
	}
	return ""
}

// lineageRoot walks parent links to the original chunk of a fix lineage.
func lineageRoot(c *model.Chunk, byID map[string]*model.Chunk) *model.Chunk {
	for c.ParentChunkID != "" {
		parent, ok := byID[c.ParentChunkID]
		if !ok {
			return c
		}
		c = parent
	}
	return c
}

func tally(chunks []*model.Chunk, res *Result) {
	res.Completed, res.Failed, res.Skipped, res.Commits = 0, 0, 0, 0
	for _, c := range chunks {
		switch c.Status {
		case model.ChunkCompleted:
			res.Completed++
			if c.CommitSHA != "" {
				res.Commits++
			}
		case model.ChunkFailed:
			res.Failed++
		case model.ChunkSkipped:
			res.Skipped++
		}
	}
}

func finalReviewPrompt(spec *model.Spec, diff string) string {
	var b strings.Builder
	b.WriteString("Review the complete diff produced for this spec.\n\n")
	b.WriteString("Spec: " + spec.Title + "\n\n")
	b.WriteString("Diff:\n```diff\n" + diff + "\n```\n\n")
	b.WriteString("Respond with only a JSON object: ")
	b.WriteString(`{"fixes": [{"title": "<string>", "description": "<string>"}]}`)
	b.WriteString(". An empty fixes array accepts the diff as-is.")
	return b.String()
}

func prBody(spec *model.Spec, res *Result) string {
	var b strings.Builder
	b.WriteString(spec.Content)
	b.WriteString("\n\n---\n")
	b.WriteString(fmt.Sprintf("%d chunk(s) completed, %d commit(s).\n", res.Completed, res.Commits))
	return b.String()
}
