// Package pipeline runs a single chunk to a terminal outcome through four
// ordered stages: execute, validate, review, commit. It guarantees cleanup
// of transient side effects on every exit path.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/specwright/specwright/internal/claude"
	"github.com/specwright/specwright/internal/config"
	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/git"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/opencode"
	"github.com/specwright/specwright/internal/store"
)

const (
	// abortBudget bounds the backend abort call during cancellation.
	abortBudget = 10 * time.Second
	// transientRetryDelay is the backoff before the single retry of a
	// transient executor error.
	transientRetryDelay = 2 * time.Second
	// commitSubjectMax is the git subject line cap.
	commitSubjectMax = 72
)

// Executor is the long-running backend surface the pipeline needs.
type Executor interface {
	CreateSession(ctx context.Context, dir, title string) (string, error)
	SendPrompt(ctx context.Context, sessionID, dir string, opts opencode.PromptOptions) error
	AbortSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	GetMessages(ctx context.Context, sessionID string) ([]opencode.Message, error)
}

// EventSource delivers the executor's demultiplexed event stream.
type EventSource interface {
	Subscribe(sessionID string) <-chan opencode.Event
	Unsubscribe(sessionID string)
}

// Reviewer is the short-lived review backend surface.
type Reviewer interface {
	Run(ctx context.Context, req claude.Request, handler *claude.EventHandler) (*claude.Result, error)
}

// Git is the workspace surface the pipeline needs. A nil Git in RunInput
// disables snapshots, change detection, and commits.
type Git interface {
	TakeSnapshot(ctx context.Context, dir string) (*git.Snapshot, error)
	ChangedFiles(ctx context.Context, dir string, snap *git.Snapshot) ([]string, error)
	Reset(ctx context.Context, dir string, snap *git.Snapshot) error
	Commit(ctx context.Context, dir, message string) (string, error)
}

// Pipeline drives chunks through the four stages. Safe for sequential reuse;
// the caller serialises runs per chunk id.
type Pipeline struct {
	repo     store.Repository
	executor Executor
	stream   EventSource
	reviewer Reviewer
	pub      events.Publisher
	cfg      *config.Config
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a pipeline.
func New(repo store.Repository, executor Executor, stream EventSource, reviewer Reviewer, pub events.Publisher, cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:     repo,
		executor: executor,
		stream:   stream,
		reviewer: reviewer,
		pub:      pub,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunInput describes one pipeline invocation.
type RunInput struct {
	Chunk   *model.Chunk
	WorkDir string
	// Git is nil when the project directory is not a repository; the
	// pipeline then skips snapshots, change detection, and commits.
	Git Git
	// AllowFix permits spawning a fix chunk on needs_fix. The caller clears
	// it once the lineage's iteration budget is spent.
	AllowFix bool
}

// Outcome is the pipeline's terminal result for one chunk.
type Outcome struct {
	Status       model.ChunkStatus
	CommitSHA    string
	FixChunk     *model.Chunk
	FilesChanged int
	Error        string
}

// ReviewResult is the outcome of a standalone re-review.
type ReviewResult struct {
	Status   model.ReviewStatus `json:"status"`
	Feedback string             `json:"feedback,omitempty"`
}

// Review re-runs the review stage for a chunk outside a full pipeline run,
// against the chunk's persisted output. Review fields and the review log are
// updated; the chunk's status is left untouched.
func (p *Pipeline) Review(ctx context.Context, chunk *model.Chunk, workDir string) (*ReviewResult, error) {
	verdict := p.review(ctx, RunInput{Chunk: chunk, WorkDir: workDir}, chunk.Output)
	if ctx.Err() != nil {
		return nil, specerr.ErrCancelled("review aborted")
	}
	return &ReviewResult{
		Status:   model.ReviewStatus(verdict.Status),
		Feedback: verdict.Feedback,
	}, nil
}

// Run drives the chunk through execute, validate, review, commit. The
// returned error covers infrastructure failures only; chunk-level failures
// land in Outcome.Status with Outcome.Error set.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (*Outcome, error) {
	chunk := in.Chunk
	log := p.logger.With("spec_id", chunk.SpecID, "chunk_id", chunk.ID)
	log.Info("pipeline start", "title", chunk.Title)

	if err := p.setStatus(ctx, chunk, model.ChunkRunning); err != nil {
		return nil, err
	}

	var snap *git.Snapshot
	if in.Git != nil {
		var err error
		snap, err = in.Git.TakeSnapshot(ctx, in.WorkDir)
		if err != nil {
			return p.fail(ctx, in, nil, fmt.Sprintf("snapshot failed: %v", err))
		}
	}

	// Stage 1: execute.
	output, err := p.execute(ctx, in)
	if err != nil {
		if specerr.IsCancelled(err) || ctx.Err() != nil {
			return p.cancelled(in, snap)
		}
		return p.fail(ctx, in, snap, err.Error())
	}
	if err := p.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{Output: &output}); err != nil {
		return nil, err
	}

	// Stage 2: validate.
	validation, err := p.validate(ctx, in, snap)
	if err != nil {
		if specerr.IsCancelled(err) || ctx.Err() != nil {
			return p.cancelled(in, snap)
		}
		return p.fail(ctx, in, snap, err.Error())
	}
	if validation.AutoFailed {
		return p.fail(ctx, in, snap, "no files changed but the task demands code changes")
	}
	if p.cfg.Validation.BuildFatal && validation.BuildRun && !validation.BuildSuccess {
		return p.fail(ctx, in, snap, "build command failed")
	}

	// Stage 3: review.
	verdict := p.review(ctx, in, output)
	if ctx.Err() != nil {
		return p.cancelled(in, snap)
	}

	// Stage 4: commit.
	return p.commit(ctx, in, snap, output, verdict, validation.FilesChanged)
}

// execute runs the chunk description as a prompt against the executor and
// streams the session until idle.
func (p *Pipeline) execute(ctx context.Context, in RunInput) (string, error) {
	chunk := in.Chunk
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.Executor.Timeout)
	defer cancel()

	var sessionID string
	err := retry.Do(
		func() error {
			var err error
			sessionID, err = p.executor.CreateSession(execCtx, in.WorkDir, chunk.Title)
			return err
		},
		retry.Context(execCtx),
		retry.Attempts(2),
		retry.Delay(transientRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}
	defer p.releaseSession(sessionID)

	ch := p.stream.Subscribe(sessionID)
	defer p.stream.Unsubscribe(sessionID)

	err = retry.Do(
		func() error {
			return p.executor.SendPrompt(execCtx, sessionID, in.WorkDir, opencode.PromptOptions{
				Parts:     []string{chunk.Description},
				Model:     p.cfg.Executor.Model,
				MaxTokens: p.cfg.Executor.MaxTokens,
			})
		},
		retry.Context(execCtx),
		retry.Attempts(2),
		retry.Delay(transientRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}

	return p.consumeSession(ctx, execCtx, in, sessionID, ch)
}

// consumeSession drains the session's event stream, persisting tool calls
// and forwarding events, until the session goes idle.
func (p *Pipeline) consumeSession(ctx, execCtx context.Context, in RunInput, sessionID string, ch <-chan opencode.Event) (string, error) {
	chunk := in.Chunk
	var textBuf strings.Builder
	// callID -> tool call row id, for closing records on updates and cancel.
	rows := make(map[string]string)
	settled := make(map[string]bool)

	closeOpen := func() {
		for callID, rowID := range rows {
			if !settled[callID] {
				_ = p.repo.UpdateToolCall(context.Background(), rowID,
					model.ToolCallError, "interrupted")
			}
		}
	}

	for {
		select {
		case <-execCtx.Done():
			p.abortSession(sessionID)
			closeOpen()
			if ctx.Err() != nil {
				return "", specerr.ErrCancelled("chunk execution aborted")
			}
			return "", specerr.ErrExecutorTimeout(p.cfg.Executor.Timeout.String())

		case evt, ok := <-ch:
			if !ok {
				p.abortSession(sessionID)
				closeOpen()
				return "", specerr.ErrProtocol("executor event stream closed mid-session", nil)
			}
			switch evt.Type {
			case opencode.EventTool:
				p.recordToolCall(execCtx, chunk, evt.Tool, rows, settled)

			case opencode.EventText:
				textBuf.WriteString(evt.Text)
				p.pub.Publish(events.NewChunk(events.EventText, chunk.SpecID, chunk.ID, evt.Text))

			case opencode.EventFileEdited:
				// hint only

			case opencode.EventSessionStatus:
				if evt.Status == opencode.SessionError {
					closeOpen()
					return "", specerr.ErrExecutorTransient(
						fmt.Errorf("session error: %s", evt.Text))
				}

			case opencode.EventSessionIdle:
				output := p.assembleOutput(execCtx, sessionID, textBuf.String())
				return output, nil
			}
		}
	}
}

// assembleOutput prefers the stored message trail over the streamed buffer;
// the trail is complete even when events were missed during a reconnect.
func (p *Pipeline) assembleOutput(ctx context.Context, sessionID, streamed string) string {
	messages, err := p.executor.GetMessages(ctx, sessionID)
	if err == nil {
		if full := opencode.AssembleOutput(messages); full != "" {
			return full
		}
	}
	return streamed
}

func (p *Pipeline) recordToolCall(ctx context.Context, chunk *model.Chunk, tool *opencode.ToolEvent, rows map[string]string, settled map[string]bool) {
	if tool == nil || settled[tool.CallID] {
		return
	}
	status := toolStatus(tool.State)
	rowID, known := rows[tool.CallID]
	if !known {
		tc := &model.ToolCall{
			ChunkID: chunk.ID,
			Name:    tool.Name,
			Input:   tool.Input,
			Status:  status,
			Output:  tool.Output,
		}
		if err := p.repo.CreateToolCall(ctx, tc); err != nil {
			p.logger.Warn("persist tool call failed", "error", err)
			return
		}
		rows[tool.CallID] = tc.ID
		rowID = tc.ID
	} else {
		if err := p.repo.UpdateToolCall(ctx, rowID, status, tool.Output); err != nil {
			p.logger.Warn("update tool call failed", "error", err)
		}
	}
	if status.Terminal() {
		settled[tool.CallID] = true
	}
	p.pub.Publish(events.NewChunk(events.EventToolCall, chunk.SpecID, chunk.ID, events.ToolCallData{
		CallID: tool.CallID,
		Name:   tool.Name,
		Status: string(status),
		Output: tool.Output,
	}))
}

func toolStatus(state opencode.ToolState) model.ToolCallStatus {
	switch state {
	case opencode.ToolPending:
		return model.ToolCallPending
	case opencode.ToolRunning:
		return model.ToolCallRunning
	case opencode.ToolCompleted:
		return model.ToolCallCompleted
	default:
		return model.ToolCallError
	}
}

// validate diffs the workspace against the pre-stage snapshot and optionally
// runs the configured build command.
func (p *Pipeline) validate(ctx context.Context, in RunInput, snap *git.Snapshot) (*events.ValidationData, error) {
	chunk := in.Chunk
	p.pub.Publish(events.NewChunk(events.EventValidationStart, chunk.SpecID, chunk.ID, nil))

	data := &events.ValidationData{}
	if in.Git != nil && snap != nil {
		changed, err := in.Git.ChangedFiles(ctx, in.WorkDir, snap)
		if err != nil {
			return nil, fmt.Errorf("change detection failed: %w", err)
		}
		changed = filterIgnored(changed, p.cfg.Validation.IgnorePatterns)
		data.FilesChanged = len(changed)
		data.Paths = changed

		if len(changed) == 0 &&
			(p.cfg.Validation.StrictNoChange || demandsCodeChange(chunk.Description)) {
			data.AutoFailed = true
		}
	}

	if cmd := p.cfg.Validation.BuildCommand; cmd != "" && !data.AutoFailed {
		data.BuildRun = true
		data.BuildSuccess = p.runBuild(ctx, in.WorkDir, cmd)
	}

	p.pub.Publish(events.NewChunk(events.EventValidationComplete, chunk.SpecID, chunk.ID, *data))
	return data, nil
}

func (p *Pipeline) runBuild(ctx context.Context, dir, command string) bool {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		p.logger.Warn("build command failed", "command", command,
			"error", err, "output", truncate(string(out), 500))
		return false
	}
	return true
}

// demandsCodeChange reports whether the description implies files must
// change, by keyword heuristic.
func demandsCodeChange(description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range []string{"create", "implement", "add", "fix"} {
		if containsWord(lower, kw) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	for idx := strings.Index(text, word); idx >= 0; {
		before := idx == 0 || !isWordByte(text[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(text) || !isWordByte(text[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func filterIgnored(paths, patterns []string) []string {
	if len(patterns) == 0 {
		return paths
	}
	var out []string
	for _, path := range paths {
		ignored := false
		for _, pat := range patterns {
			if ok, err := doublestar.Match(pat, path); err == nil && ok {
				ignored = true
				break
			}
		}
		if !ignored {
			out = append(out, path)
		}
	}
	return out
}

// review asks the reviewer for a verdict. Never returns an error: an
// unparseable or failed review degrades to a needs_fix verdict with
// synthetic feedback, and the review status is recorded as error.
func (p *Pipeline) review(ctx context.Context, in RunInput, output string) *claude.Verdict {
	chunk := in.Chunk
	p.pub.Publish(events.NewChunk(events.EventReviewStart, chunk.SpecID, chunk.ID, nil))

	if p.cfg.Reviewer.AutoApprove {
		v := &claude.Verdict{Status: claude.VerdictPass, Feedback: "auto-approved"}
		p.recordReview(ctx, chunk, model.ReviewSkipped, v.Feedback, 0)
		p.pub.Publish(events.NewChunk(events.EventReviewComplete, chunk.SpecID, chunk.ID,
			events.ReviewData{Status: string(model.ReviewSkipped), Feedback: v.Feedback}))
		return v
	}

	start := time.Now()
	result, err := p.reviewer.Run(ctx, claude.Request{
		Prompt:  reviewPrompt(chunk, output),
		Model:   p.cfg.Reviewer.Model,
		Dir:     in.WorkDir,
		Timeout: p.cfg.Reviewer.Timeout,
	}, nil)
	duration := time.Since(start)

	var verdict *claude.Verdict
	reviewStatus := model.ReviewError
	feedback := ""
	switch {
	case err != nil:
		feedback = fmt.Sprintf("review did not complete: %v", err)
		verdict = &claude.Verdict{Status: claude.VerdictNeedsFix, Feedback: feedback}
	default:
		verdict, err = claude.ParseVerdict(result.Text)
		if err != nil {
			feedback = fmt.Sprintf("review output was not parseable: %v", err)
			verdict = &claude.Verdict{Status: claude.VerdictNeedsFix, Feedback: feedback}
		} else {
			reviewStatus = model.ReviewStatus(verdict.Status)
			feedback = verdict.Feedback
		}
	}

	p.recordReview(ctx, chunk, reviewStatus, feedback, duration)
	p.pub.Publish(events.NewChunk(events.EventReviewComplete, chunk.SpecID, chunk.ID,
		events.ReviewData{Status: string(reviewStatus), Feedback: feedback}))
	return verdict
}

func (p *Pipeline) recordReview(ctx context.Context, chunk *model.Chunk, status model.ReviewStatus, feedback string, duration time.Duration) {
	rl := &model.ReviewLog{
		ChunkID:  chunk.ID,
		Status:   status,
		Feedback: feedback,
		Model:    p.cfg.Reviewer.Model,
		Duration: duration,
	}
	if err := p.repo.AppendReviewLog(ctx, rl); err != nil {
		p.logger.Warn("persist review log failed", "error", err)
	}
	rs := status
	if err := p.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{
		ReviewStatus: &rs, ReviewFeedback: &feedback,
	}); err != nil {
		p.logger.Warn("persist review fields failed", "error", err)
	}
}

func reviewPrompt(chunk *model.Chunk, output string) string {
	var b strings.Builder
	b.WriteString("Review the work just completed for the following task.\n\n")
	b.WriteString("Task: " + chunk.Title + "\n\n")
	b.WriteString("Description:\n" + chunk.Description + "\n\n")
	if output != "" {
		b.WriteString("Implementation summary:\n" + output + "\n\n")
	}
	b.WriteString("Inspect the working directory and respond with only a JSON object: ")
	b.WriteString(`{"status": "pass" | "needs_fix" | "fail", "feedback": "<string>", "fixChunk": {"title": "<string>"}}`)
	b.WriteString(". Include fixChunk only when status is needs_fix.")
	return b.String()
}

// commit finalises the chunk according to the verdict.
func (p *Pipeline) commit(ctx context.Context, in RunInput, snap *git.Snapshot, output string, verdict *claude.Verdict, filesChanged int) (*Outcome, error) {
	chunk := in.Chunk

	switch verdict.Status {
	case claude.VerdictPass:
		var sha string
		if in.Git != nil {
			var err error
			sha, err = in.Git.Commit(ctx, in.WorkDir, commitMessage(chunk.Title, output))
			if err != nil {
				return p.fail(ctx, in, snap, fmt.Sprintf("commit failed: %v", err))
			}
			if sha != "" {
				p.pub.Publish(events.NewChunk(events.EventGitCommit, chunk.SpecID, chunk.ID,
					events.CommitData{SHA: sha, FilesChanged: filesChanged}))
			}
		}
		status := model.ChunkCompleted
		if err := p.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{
			Status: &status, CommitSHA: &sha,
		}); err != nil {
			return nil, err
		}
		chunk.Status, chunk.CommitSHA = status, sha
		return &Outcome{Status: status, CommitSHA: sha, FilesChanged: filesChanged}, nil

	case claude.VerdictNeedsFix:
		out := &Outcome{Status: model.ChunkNeedsFix, FilesChanged: filesChanged, Error: verdict.Feedback}
		if in.AllowFix {
			title := verdict.FixTitle
			if title == "" {
				title = "Fix: " + chunk.Title
			}
			fix, err := p.repo.InsertFixChunk(ctx, chunk.ID, title, verdict.Feedback)
			if err != nil {
				return nil, err
			}
			out.FixChunk = fix
		}
		if err := p.setStatus(ctx, chunk, model.ChunkNeedsFix); err != nil {
			return nil, err
		}
		return out, nil

	default: // fail
		return p.fail(ctx, in, snap, "review rejected the change: "+verdict.Feedback)
	}
}

// fail resets the workspace to the pre-stage snapshot and marks the chunk
// failed with the given reason.
func (p *Pipeline) fail(ctx context.Context, in RunInput, snap *git.Snapshot, reason string) (*Outcome, error) {
	chunk := in.Chunk
	p.resetWorkspace(in, snap)

	status := model.ChunkFailed
	if err := p.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{
		Status: &status, Error: &reason,
	}); err != nil {
		return nil, err
	}
	chunk.Status, chunk.Error = status, reason
	p.logger.Warn("chunk failed", "chunk_id", chunk.ID, "reason", reason)
	return &Outcome{Status: status, Error: reason}, nil
}

// cancelled finalises an aborted run: workspace reset, chunk failed with
// error "cancelled". Persistence uses a fresh context since the caller's
// context is already dead.
func (p *Pipeline) cancelled(in RunInput, snap *git.Snapshot) (*Outcome, error) {
	chunk := in.Chunk
	p.resetWorkspace(in, snap)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := model.ChunkFailed
	reason := "cancelled"
	if err := p.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{
		Status: &status, Error: &reason,
	}); err != nil {
		return nil, err
	}
	chunk.Status, chunk.Error = status, reason
	p.logger.Info("chunk cancelled", "chunk_id", chunk.ID)
	return &Outcome{Status: status, Error: reason}, nil
}

func (p *Pipeline) resetWorkspace(in RunInput, snap *git.Snapshot) {
	if in.Git == nil || snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := in.Git.Reset(ctx, in.WorkDir, snap); err != nil {
		p.logger.Error("workspace reset failed", "chunk_id", in.Chunk.ID, "error", err)
		return
	}
	p.pub.Publish(events.NewChunk(events.EventGitReset, in.Chunk.SpecID, in.Chunk.ID, nil))
}

func (p *Pipeline) setStatus(ctx context.Context, chunk *model.Chunk, status model.ChunkStatus) error {
	if err := p.repo.UpdateChunk(ctx, chunk.ID, store.ChunkPatch{Status: &status}); err != nil {
		return err
	}
	chunk.Status = status
	return nil
}

// abortSession tells the backend to stop, bounded by its own budget.
func (p *Pipeline) abortSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortBudget)
	defer cancel()
	if err := p.executor.AbortSession(ctx, sessionID); err != nil {
		p.logger.Warn("abort session failed", "session_id", sessionID, "error", err)
	}
}

func (p *Pipeline) releaseSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortBudget)
	defer cancel()
	if err := p.executor.DeleteSession(ctx, sessionID); err != nil {
		p.logger.Warn("delete session failed", "session_id", sessionID, "error", err)
	}
}

// commitMessage builds "feat(<title>): <first line>" with the subject capped
// at 72 characters.
func commitMessage(title, output string) string {
	first := output
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = first[:idx]
	}
	first = strings.TrimSpace(first)
	subject := fmt.Sprintf("feat(%s): %s", title, first)
	if len(subject) > commitSubjectMax {
		cut := commitSubjectMax
		// Back off to a rune boundary so the cap never splits a character.
		for cut > 0 && !utf8.RuneStart(subject[cut]) {
			cut--
		}
		subject = subject[:cut]
	}
	return subject
}

func isTransient(err error) bool {
	code := specerr.CodeOf(err)
	return code == specerr.CodeExecutorTransient
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
