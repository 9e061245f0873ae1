package sequencer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specwright/specwright/internal/claude"
	"github.com/specwright/specwright/internal/config"
	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/git"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/pipeline"
	"github.com/specwright/specwright/internal/store"
)

// chunkScript decides one chunk run's outcome by chunk title.
type chunkScript func(chunk *model.Chunk, allowFix bool) *pipeline.Outcome

// fakePipe applies the scripted outcome to the store the way the real
// pipeline would, then returns it.
type fakePipe struct {
	repo   store.Repository
	script chunkScript

	mu       sync.Mutex
	ran      []string
	allowFix map[string]bool
	// block, when non-nil, is closed to release a hanging run.
	block chan struct{}
}

func (f *fakePipe) Run(ctx context.Context, in pipeline.RunInput) (*pipeline.Outcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, in.Chunk.Title)
	if f.allowFix == nil {
		f.allowFix = make(map[string]bool)
	}
	f.allowFix[in.Chunk.ID] = in.AllowFix
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			status := model.ChunkFailed
			reason := "cancelled"
			_ = f.repo.UpdateChunk(context.Background(), in.Chunk.ID,
				store.ChunkPatch{Status: &status, Error: &reason})
			return &pipeline.Outcome{Status: status, Error: reason}, nil
		}
	}

	out := f.script(in.Chunk, in.AllowFix)
	patch := store.ChunkPatch{Status: &out.Status}
	if out.CommitSHA != "" {
		patch.CommitSHA = &out.CommitSHA
	}
	if out.Error != "" {
		patch.Error = &out.Error
	}
	if err := f.repo.UpdateChunk(ctx, in.Chunk.ID, patch); err != nil {
		return nil, err
	}
	if out.Status == model.ChunkNeedsFix && in.AllowFix {
		fix, err := f.repo.InsertFixChunk(ctx, in.Chunk.ID,
			"Fix: "+in.Chunk.Title, "feedback")
		if err != nil {
			return nil, err
		}
		out.FixChunk = fix
	}
	return out, nil
}

func (f *fakePipe) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ran...)
}

// fakeGit records lifecycle calls.
type fakeGit struct {
	mu        sync.Mutex
	isRepo    bool
	diff      string
	prErr     error
	inited    bool
	cleaned   bool
	removed   bool
	pushed    bool
	prOpened  bool
	initCalls int
}

func (g *fakeGit) IsRepo(ctx context.Context) bool { return g.isRepo }

func (g *fakeGit) Init(ctx context.Context, specID, title string) (*git.Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inited = true
	g.initCalls++
	return &git.Info{Path: "/tmp/wt/" + specID, Branch: git.BranchName(specID, title)}, nil
}

func (g *fakeGit) Cleanup(ctx context.Context, specID string, removeWorktree bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleaned = true
	g.removed = removeWorktree
	return nil
}

func (g *fakeGit) Push(ctx context.Context, dir, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushed = true
	return nil
}

func (g *fakeGit) OpenPR(ctx context.Context, dir string, opts git.PROptions) (*git.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prErr != nil {
		return nil, g.prErr
	}
	g.prOpened = true
	return &git.PullRequest{Number: 7, URL: "https://example.com/pull/7"}, nil
}

func (g *fakeGit) Diff(ctx context.Context, dir string) (string, error) { return g.diff, nil }

func (g *fakeGit) HasCommits(ctx context.Context, dir string) (bool, error) { return true, nil }

func (g *fakeGit) TakeSnapshot(ctx context.Context, dir string) (*git.Snapshot, error) {
	return &git.Snapshot{Head: "abc"}, nil
}

func (g *fakeGit) ChangedFiles(ctx context.Context, dir string, snap *git.Snapshot) ([]string, error) {
	return nil, nil
}

func (g *fakeGit) Reset(ctx context.Context, dir string, snap *git.Snapshot) error { return nil }

func (g *fakeGit) Commit(ctx context.Context, dir, message string) (string, error) {
	return "sha", nil
}

// fakeFinalReviewer scripts final review responses per pass.
type fakeFinalReviewer struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *fakeFinalReviewer) Run(ctx context.Context, req claude.Request, handler *claude.EventHandler) (*claude.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := `{"fixes":[]}`
	if f.calls < len(f.responses) {
		resp = f.responses[f.calls]
	}
	f.calls++
	return &claude.Result{Text: resp}, nil
}

type fixture struct {
	repo     *store.SQLiteStore
	pipe     *fakePipe
	git      *fakeGit
	reviewer *fakeFinalReviewer
	pub      *events.MemoryPublisher
	cfg      *config.Config
	seq      *Sequencer
	spec     *model.Spec
}

func setup(t *testing.T, script chunkScript) *fixture {
	t.Helper()
	repo, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	project := &model.Project{Dir: t.TempDir()}
	require.NoError(t, repo.CreateProject(ctx, project))
	spec := &model.Spec{ProjectID: project.ID, Title: "build the thing", Status: model.SpecReady}
	require.NoError(t, repo.CreateSpec(ctx, spec))

	f := &fixture{
		repo:     repo,
		pipe:     &fakePipe{repo: repo, script: script},
		git:      &fakeGit{isRepo: true},
		reviewer: &fakeFinalReviewer{},
		pub:      events.NewMemoryPublisher(),
		cfg:      config.Default(),
		spec:     spec,
	}
	f.seq = New(repo, f.pipe, f.git, f.reviewer, f.pub, f.cfg)
	return f
}

func (f *fixture) addChunk(t *testing.T, title string, order int, deps ...string) *model.Chunk {
	t.Helper()
	c := &model.Chunk{SpecID: f.spec.ID, Title: title, Description: title, Order: order, DependsOn: deps}
	require.NoError(t, f.repo.CreateChunk(context.Background(), c))
	return c
}

func pass(chunk *model.Chunk, allowFix bool) *pipeline.Outcome {
	return &pipeline.Outcome{Status: model.ChunkCompleted, CommitSHA: "sha-" + chunk.Title}
}

func TestRunHappyPath(t *testing.T) {
	f := setup(t, pass)
	a := f.addChunk(t, "A", 1)
	b := f.addChunk(t, "B", 2, a.ID)
	f.addChunk(t, "C", 3, b.ID)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, f.pipe.order())
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, 3, res.Commits)
	assert.Equal(t, model.SpecReview, res.Status)
	assert.Equal(t, 7, res.PRNumber)
	assert.True(t, f.git.pushed)
	assert.True(t, f.git.cleaned)
	assert.False(t, f.git.removed, "worktree should survive for PR updates")

	spec, err := f.repo.GetSpec(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecReview, spec.Status)
	assert.Equal(t, 7, spec.PRNumber)
	assert.Contains(t, spec.Branch, "spec/build-the-thing")
}

func TestRunOrderTieBreak(t *testing.T) {
	f := setup(t, pass)
	// Same order: id ascending decides.
	c1 := f.addChunk(t, "X", 1)
	c2 := f.addChunk(t, "Y", 1)

	_, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	want := []string{"X", "Y"}
	if c2.ID < c1.ID {
		want = []string{"Y", "X"}
	}
	assert.Equal(t, want, f.pipe.order())
}

func TestRunDependencyBlocked(t *testing.T) {
	f := setup(t, func(chunk *model.Chunk, _ bool) *pipeline.Outcome {
		if chunk.Title == "A" {
			return &pipeline.Outcome{Status: model.ChunkFailed, Error: "boom"}
		}
		return pass(chunk, true)
	})
	a := f.addChunk(t, "A", 1)
	b := f.addChunk(t, "B", 2, a.ID)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, f.pipe.order())
	assert.Equal(t, model.SpecFailed, res.Status)
	assert.Equal(t, 2, res.Failed)
	assert.False(t, f.git.pushed)
	assert.True(t, f.git.removed, "failed run with zero commits drops the worktree")

	blocked, err := f.repo.GetChunk(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkFailed, blocked.Status)
	assert.Contains(t, blocked.Error, "dependency blocked")
}

func TestRunSkippedDependencySatisfies(t *testing.T) {
	f := setup(t, pass)
	a := f.addChunk(t, "A", 1)
	f.addChunk(t, "B", 2, a.ID)

	skipped := model.ChunkSkipped
	require.NoError(t, f.repo.UpdateChunk(context.Background(), a.ID,
		store.ChunkPatch{Status: &skipped}))

	sub := f.pub.Subscribe(f.spec.ID)
	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, f.pipe.order())
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Skipped)

	// Subscribers hear about the chunk that will not execute.
	var announced []string
	for done := false; !done; {
		select {
		case evt := <-sub:
			if evt.Type == events.EventChunkSkipped {
				announced = append(announced, evt.ChunkID)
			}
		default:
			done = true
		}
	}
	assert.Equal(t, []string{a.ID}, announced)
}

func TestRunNeedsFixLineage(t *testing.T) {
	first := true
	f := setup(t, func(chunk *model.Chunk, allowFix bool) *pipeline.Outcome {
		if first && chunk.Title == "A" {
			first = false
			return &pipeline.Outcome{Status: model.ChunkNeedsFix, Error: "needs work"}
		}
		return pass(chunk, allowFix)
	})
	a := f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "Fix: A"}, f.pipe.order())
	assert.Equal(t, model.SpecReview, res.Status)
	assert.Equal(t, 1, res.Completed)

	root, err := f.repo.GetChunk(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkNeedsFix, root.Status)
	assert.Equal(t, 1, root.Attempts)
}

func TestRunIterationBudgetEscalates(t *testing.T) {
	f := setup(t, func(chunk *model.Chunk, allowFix bool) *pipeline.Outcome {
		return &pipeline.Outcome{Status: model.ChunkNeedsFix, Error: "never good enough"}
	})
	f.cfg.MaxIterations = 2
	a := f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	// A, Fix: A, Fix: Fix: A — the third run exhausts the budget.
	assert.Len(t, f.pipe.order(), 3)
	assert.Equal(t, model.SpecFailed, res.Status)

	root, err := f.repo.GetChunk(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, root.Attempts)

	chunks, err := f.repo.GetChunksBySpec(context.Background(), f.spec.ID)
	require.NoError(t, err)
	var escalated bool
	for _, c := range chunks {
		if c.Status == model.ChunkFailed && c.Error != "" {
			escalated = true
			assert.Contains(t, c.Error, "budget")
		}
	}
	assert.True(t, escalated)
}

func TestRunFailFast(t *testing.T) {
	f := setup(t, func(chunk *model.Chunk, _ bool) *pipeline.Outcome {
		if chunk.Title == "A" {
			return &pipeline.Outcome{Status: model.ChunkFailed, Error: "boom"}
		}
		return pass(chunk, true)
	})
	f.cfg.FailFast = true
	f.addChunk(t, "A", 1)
	b := f.addChunk(t, "B", 2) // independent

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, f.pipe.order())
	assert.Equal(t, model.SpecFailed, res.Status)

	other, err := f.repo.GetChunk(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkPending, other.Status)
}

func TestRunFailureWithoutFailFastContinues(t *testing.T) {
	f := setup(t, func(chunk *model.Chunk, _ bool) *pipeline.Outcome {
		if chunk.Title == "A" {
			return &pipeline.Outcome{Status: model.ChunkFailed, Error: "boom"}
		}
		return pass(chunk, true)
	})
	f.addChunk(t, "A", 1)
	f.addChunk(t, "B", 2)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, f.pipe.order())
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	// Any failure fails the spec, but completed work is still pushed.
	assert.Equal(t, model.SpecFailed, res.Status)
}

func TestRunFinalReviewSpawnsFixes(t *testing.T) {
	f := setup(t, pass)
	f.cfg.FinalReview = true
	f.git.diff = "diff --git a/x b/x"
	f.reviewer.responses = []string{
		`{"fixes":[{"title":"Tighten validation","description":"bounds check"}]}`,
		`{"fixes":[]}`,
	}
	a := f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "Tighten validation"}, f.pipe.order())
	assert.Equal(t, 2, f.reviewer.calls)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, model.SpecReview, res.Status)

	chunks, err := f.repo.GetChunksBySpec(context.Background(), f.spec.ID)
	require.NoError(t, err)
	var fix *model.Chunk
	for _, c := range chunks {
		if c.Title == "Tighten validation" {
			fix = c
		}
	}
	require.NotNil(t, fix)
	assert.Equal(t, []string{a.ID}, fix.DependsOn)
	assert.Greater(t, fix.Order, a.Order)
}

func TestRunFinalReviewForcedAcceptAfterPasses(t *testing.T) {
	f := setup(t, pass)
	f.cfg.FinalReview = true
	f.cfg.FinalReviewPasses = 2
	f.git.diff = "diff --git a/x b/x"
	f.reviewer.responses = []string{
		`{"fixes":[{"title":"Pass one fix","description":"d"}]}`,
		`{"fixes":[{"title":"Would be pass two fix","description":"d"}]}`,
	}
	f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)

	// Pass two still reports fixes but the budget forces acceptance.
	assert.Equal(t, []string{"A", "Pass one fix"}, f.pipe.order())
	assert.Equal(t, model.SpecReview, res.Status)
}

func TestRunNoCommitsSkipsPublish(t *testing.T) {
	f := setup(t, func(chunk *model.Chunk, _ bool) *pipeline.Outcome {
		return &pipeline.Outcome{Status: model.ChunkCompleted} // no commit
	})
	f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecCompleted, res.Status)
	assert.False(t, f.git.pushed)
	assert.False(t, f.git.prOpened)
}

func TestRunPRFailureIsNonFatal(t *testing.T) {
	f := setup(t, pass)
	f.git.prErr = fmt.Errorf("gh: not authenticated")
	f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.True(t, f.git.pushed)
	assert.Empty(t, res.PRURL)
	assert.Equal(t, model.SpecCompleted, res.Status)
}

func TestRunWithoutGitRepo(t *testing.T) {
	f := setup(t, func(chunk *model.Chunk, _ bool) *pipeline.Outcome {
		return &pipeline.Outcome{Status: model.ChunkCompleted}
	})
	f.git.isRepo = false
	f.addChunk(t, "A", 1)

	res, err := f.seq.Run(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecCompleted, res.Status)
	assert.False(t, f.git.inited)
	assert.False(t, f.git.pushed)
}

func TestRunAbort(t *testing.T) {
	f := setup(t, pass)
	f.pipe.block = make(chan struct{})
	f.addChunk(t, "A", 1)
	f.addChunk(t, "B", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		res, err := f.seq.Run(ctx, f.spec.ID)
		require.NoError(t, err)
		done <- res
	}()

	// Wait for the first pipeline to start, then abort.
	require.Eventually(t, func() bool { return len(f.pipe.order()) == 1 },
		2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, model.SpecFailed, res.Status)
		assert.Equal(t, "aborted", res.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not unwind after cancel")
	}
	assert.Equal(t, []string{"A"}, f.pipe.order())
	assert.True(t, f.git.cleaned)

	spec, err := f.repo.GetSpec(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecFailed, spec.Status)
	assert.Equal(t, "aborted", spec.Error)
}

func TestRunMergedSpecRejected(t *testing.T) {
	f := setup(t, pass)
	merged := model.SpecMerged
	require.NoError(t, f.repo.UpdateSpec(context.Background(), f.spec.ID,
		store.SpecPatch{Status: &merged}))

	_, err := f.seq.Run(context.Background(), f.spec.ID)
	require.Error(t, err)
}
