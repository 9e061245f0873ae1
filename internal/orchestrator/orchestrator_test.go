package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specwright/specwright/internal/config"
	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/git"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/opencode"
	"github.com/specwright/specwright/internal/pipeline"
	"github.com/specwright/specwright/internal/sequencer"
	"github.com/specwright/specwright/internal/store"
)

// fakeRunner records spec run order and can hang until released.
type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	result model.SpecStatus
	reason string
	// block, when non-nil, holds runs open until closed.
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, specID string) (*sequencer.Result, error) {
	f.mu.Lock()
	f.ran = append(f.ran, specID)
	block := f.block
	status := f.result
	reason := f.reason
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &sequencer.Result{Status: model.SpecFailed, Reason: "aborted"}, nil
		}
	}
	if status == "" {
		status = model.SpecCompleted
	}
	return &sequencer.Result{Status: status, Reason: reason}, nil
}

func (f *fakeRunner) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ran...)
}

// fakeChunkRunner records single-chunk runs.
type fakeChunkRunner struct {
	mu       sync.Mutex
	ran      []string
	allowFix map[string]bool
	workDirs []string
	reviewed []string
	block    chan struct{}
}

func (f *fakeChunkRunner) Run(ctx context.Context, in pipeline.RunInput) (*pipeline.Outcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, in.Chunk.ID)
	if f.allowFix == nil {
		f.allowFix = make(map[string]bool)
	}
	f.allowFix[in.Chunk.ID] = in.AllowFix
	f.workDirs = append(f.workDirs, in.WorkDir)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &pipeline.Outcome{Status: model.ChunkFailed, Error: "cancelled"}, nil
		}
	}
	return &pipeline.Outcome{Status: model.ChunkCompleted, CommitSHA: "sha"}, nil
}

func (f *fakeChunkRunner) Review(ctx context.Context, chunk *model.Chunk, workDir string) (*pipeline.ReviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewed = append(f.reviewed, chunk.ID)
	return &pipeline.ReviewResult{Status: model.ReviewPass, Feedback: "ok"}, nil
}

func (f *fakeChunkRunner) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ran...)
}

// fakeGit satisfies sequencer.GitManager for direct chunk runs.
type fakeGit struct {
	mu      sync.Mutex
	isRepo  bool
	inited  bool
	cleaned bool
}

func (g *fakeGit) IsRepo(ctx context.Context) bool { return g.isRepo }

func (g *fakeGit) Init(ctx context.Context, specID, title string) (*git.Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inited = true
	return &git.Info{Path: "/tmp/wt/" + specID, Branch: git.BranchName(specID, title)}, nil
}

func (g *fakeGit) Cleanup(ctx context.Context, specID string, removeWorktree bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleaned = true
	return nil
}

func (g *fakeGit) Push(ctx context.Context, dir, branch string) error { return nil }

func (g *fakeGit) OpenPR(ctx context.Context, dir string, opts git.PROptions) (*git.PullRequest, error) {
	return &git.PullRequest{Number: 1, URL: "https://example.com/pull/1"}, nil
}

func (g *fakeGit) Diff(ctx context.Context, dir string) (string, error) { return "", nil }

func (g *fakeGit) HasCommits(ctx context.Context, dir string) (bool, error) { return false, nil }

func (g *fakeGit) TakeSnapshot(ctx context.Context, dir string) (*git.Snapshot, error) {
	return &git.Snapshot{}, nil
}

func (g *fakeGit) ChangedFiles(ctx context.Context, dir string, snap *git.Snapshot) ([]string, error) {
	return nil, nil
}

func (g *fakeGit) Reset(ctx context.Context, dir string, snap *git.Snapshot) error { return nil }

func (g *fakeGit) Commit(ctx context.Context, dir, message string) (string, error) { return "", nil }

type fixture struct {
	repo    *store.SQLiteStore
	runner  *fakeRunner
	chunks  *fakeChunkRunner
	git     *fakeGit
	pub     *events.MemoryPublisher
	cfg     *config.Config
	orch    *Orchestrator
	project *model.Project
}

func setup(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	project := &model.Project{Dir: t.TempDir()}
	require.NoError(t, repo.CreateProject(context.Background(), project))

	f := &fixture{
		repo:    repo,
		runner:  &fakeRunner{},
		chunks:  &fakeChunkRunner{},
		git:     &fakeGit{},
		pub:     events.NewMemoryPublisher(),
		cfg:     config.Default(),
		project: project,
	}
	f.orch = New(repo, f.pub, f.cfg, func(p *model.Project) *Runtime {
		return &Runtime{Sequencer: f.runner, Pipeline: f.chunks, Git: f.git}
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Stop(ctx)
	})
}

func (f *fixture) addSpec(t *testing.T, title string) *model.Spec {
	t.Helper()
	s := &model.Spec{ProjectID: f.project.ID, Title: title, Status: model.SpecReady}
	require.NoError(t, f.repo.CreateSpec(context.Background(), s))
	return s
}

func (f *fixture) addChunk(t *testing.T, specID, title string) *model.Chunk {
	t.Helper()
	c := &model.Chunk{SpecID: specID, Title: title, Description: title, Order: 1}
	require.NoError(t, f.repo.CreateChunk(context.Background(), c))
	return c
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.orch.WorkerStats().Active == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartSpecRunsWorker(t *testing.T) {
	f := setup(t)
	f.start(t)
	spec := f.addSpec(t, "one")

	res, err := f.orch.StartSpec(context.Background(), spec.ID)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	f.waitIdle(t)
	assert.Equal(t, []string{spec.ID}, f.runner.order())

	w, err := f.repo.GetWorkerBySpec(context.Background(), spec.ID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, model.WorkerCompleted, w.Status)

	stats := f.orch.WorkerStats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
}

func TestStartSpecAtCapacity(t *testing.T) {
	f := setup(t)
	f.cfg.MaxConcurrent = 1
	f.runner.block = make(chan struct{})
	f.start(t)
	first := f.addSpec(t, "first")
	second := f.addSpec(t, "second")

	res, err := f.orch.StartSpec(context.Background(), first.ID)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = f.orch.StartSpec(context.Background(), second.ID)
	require.Error(t, err)
	assert.Equal(t, specerr.CodeCapacity, specerr.CodeOf(err))
	assert.False(t, res.Accepted)
	assert.NotEmpty(t, res.Reason)

	close(f.runner.block)
	f.waitIdle(t)
}

func TestStartSpecDuplicateWorker(t *testing.T) {
	f := setup(t)
	f.runner.block = make(chan struct{})
	f.start(t)
	spec := f.addSpec(t, "one")

	_, err := f.orch.StartSpec(context.Background(), spec.ID)
	require.NoError(t, err)

	res, err := f.orch.StartSpec(context.Background(), spec.ID)
	require.Error(t, err)
	assert.Equal(t, specerr.CodeDuplicateWorker, specerr.CodeOf(err))
	assert.False(t, res.Accepted)

	close(f.runner.block)
	f.waitIdle(t)
}

func TestStartSpecMergedRejected(t *testing.T) {
	f := setup(t)
	f.start(t)
	spec := f.addSpec(t, "done")
	merged := model.SpecMerged
	require.NoError(t, f.repo.UpdateSpec(context.Background(), spec.ID,
		store.SpecPatch{Status: &merged}))

	_, err := f.orch.StartSpec(context.Background(), spec.ID)
	require.Error(t, err)

	_, err = f.orch.QueueSpec(context.Background(), spec.ID, 0)
	require.Error(t, err)
}

func TestQueueDispatchesByPriority(t *testing.T) {
	f := setup(t)
	f.cfg.MaxConcurrent = 1
	f.runner.block = make(chan struct{})
	f.start(t)
	running := f.addSpec(t, "running")
	low := f.addSpec(t, "low")
	high := f.addSpec(t, "high")

	_, err := f.orch.StartSpec(context.Background(), running.ID)
	require.NoError(t, err)

	_, err = f.orch.QueueSpec(context.Background(), low.ID, 1)
	require.NoError(t, err)
	_, err = f.orch.QueueSpec(context.Background(), high.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, f.orch.WorkerStats().QueueLen)

	close(f.runner.block)
	require.Eventually(t, func() bool {
		return len(f.runner.order()) == 3 && f.orch.WorkerStats().Active == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{running.ID, high.ID, low.ID}, f.runner.order())

	// Dispatched items are gone from the persistent queue.
	items, err := f.repo.ListQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStartHydratesQueue(t *testing.T) {
	f := setup(t)
	spec := f.addSpec(t, "queued before boot")
	_, err := f.repo.EnqueueSpec(context.Background(), spec.ID, f.project.ID, 0)
	require.NoError(t, err)

	f.start(t)
	f.waitIdle(t)
	assert.Equal(t, []string{spec.ID}, f.runner.order())
}

func TestBootReconciliation(t *testing.T) {
	f := setup(t)
	spec := f.addSpec(t, "interrupted")
	running := model.SpecRunning
	require.NoError(t, f.repo.UpdateSpec(context.Background(), spec.ID,
		store.SpecPatch{Status: &running}))
	require.NoError(t, f.repo.SaveWorker(context.Background(),
		&model.Worker{SpecID: spec.ID, Status: model.WorkerRunning}))

	f.start(t)

	w, err := f.repo.GetWorkerBySpec(context.Background(), spec.ID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, model.WorkerFailed, w.Status)
	assert.Equal(t, "orchestrator restart", w.Error)

	got, err := f.repo.GetSpec(context.Background(), spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecFailed, got.Status)
}

func TestAbortSpecCancelsWorker(t *testing.T) {
	f := setup(t)
	f.runner.block = make(chan struct{})
	f.start(t)
	spec := f.addSpec(t, "long")

	_, err := f.orch.StartSpec(context.Background(), spec.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.runner.order()) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.AbortSpec(context.Background(), spec.ID))
	f.waitIdle(t)

	w, err := f.repo.GetWorkerBySpec(context.Background(), spec.ID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, model.WorkerCancelled, w.Status)
	assert.Equal(t, "aborted", w.Error)
}

func TestAbortSpecDequeues(t *testing.T) {
	f := setup(t)
	f.cfg.MaxConcurrent = 1
	f.runner.block = make(chan struct{})
	f.start(t)
	running := f.addSpec(t, "running")
	queued := f.addSpec(t, "queued")

	_, err := f.orch.StartSpec(context.Background(), running.ID)
	require.NoError(t, err)
	_, err = f.orch.QueueSpec(context.Background(), queued.ID, 0)
	require.NoError(t, err)

	require.NoError(t, f.orch.AbortSpec(context.Background(), queued.ID))
	assert.Equal(t, 0, f.orch.WorkerStats().QueueLen)

	items, err := f.repo.ListQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)

	close(f.runner.block)
	f.waitIdle(t)
	assert.Equal(t, []string{running.ID}, f.runner.order())
}

func TestAbortSpecIdleIsNoop(t *testing.T) {
	f := setup(t)
	f.start(t)
	spec := f.addSpec(t, "finished")

	assert.NoError(t, f.orch.AbortSpec(context.Background(), spec.ID))
}

func TestStartChunkRunsPipeline(t *testing.T) {
	f := setup(t)
	f.git.isRepo = true
	f.start(t)
	spec := f.addSpec(t, "one")
	chunk := f.addChunk(t, spec.ID, "do it")

	res, err := f.orch.StartChunk(context.Background(), chunk.ID)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	require.Eventually(t, func() bool { return len(f.chunks.runs()) == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		f.git.mu.Lock()
		defer f.git.mu.Unlock()
		return f.git.cleaned
	}, 2*time.Second, 10*time.Millisecond)

	f.chunks.mu.Lock()
	defer f.chunks.mu.Unlock()
	assert.Equal(t, "/tmp/wt/"+spec.ID, f.chunks.workDirs[0])
	assert.True(t, f.chunks.allowFix[chunk.ID])
}

func TestStartChunkRejectedWhileWorkerLive(t *testing.T) {
	f := setup(t)
	f.runner.block = make(chan struct{})
	f.start(t)
	spec := f.addSpec(t, "one")
	chunk := f.addChunk(t, spec.ID, "do it")

	_, err := f.orch.StartSpec(context.Background(), spec.ID)
	require.NoError(t, err)

	res, err := f.orch.StartChunk(context.Background(), chunk.ID)
	require.Error(t, err)
	assert.False(t, res.Accepted)

	close(f.runner.block)
	f.waitIdle(t)
}

func TestStartChunkSerialisedPerChunk(t *testing.T) {
	f := setup(t)
	f.chunks.block = make(chan struct{})
	f.start(t)
	spec := f.addSpec(t, "one")
	chunk := f.addChunk(t, spec.ID, "do it")

	res, err := f.orch.StartChunk(context.Background(), chunk.ID)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Eventually(t, func() bool { return len(f.chunks.runs()) == 1 },
		2*time.Second, 10*time.Millisecond)

	res, err = f.orch.StartChunk(context.Background(), chunk.ID)
	require.Error(t, err)
	assert.Equal(t, specerr.CodeChunkRunning, specerr.CodeOf(err))
	assert.False(t, res.Accepted)

	close(f.chunks.block)
}

func TestAbortChunk(t *testing.T) {
	f := setup(t)
	f.chunks.block = make(chan struct{})
	f.start(t)
	spec := f.addSpec(t, "one")
	chunk := f.addChunk(t, spec.ID, "do it")

	_, err := f.orch.StartChunk(context.Background(), chunk.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.chunks.runs()) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.AbortChunk(context.Background(), chunk.ID))
	require.Eventually(t, func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return len(f.orch.chunkRuns) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Idle abort is a no-op success.
	assert.NoError(t, f.orch.AbortChunk(context.Background(), chunk.ID))
}

func TestReviewChunk(t *testing.T) {
	f := setup(t)
	f.start(t)
	spec := f.addSpec(t, "one")
	chunk := f.addChunk(t, spec.ID, "do it")

	res, err := f.orch.ReviewChunk(context.Background(), chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPass, res.Status)
	assert.Equal(t, []string{chunk.ID}, f.chunks.reviewed)
}

func TestSubscribeSpecDeliversEvents(t *testing.T) {
	f := setup(t)
	f.start(t)
	spec := f.addSpec(t, "one")

	ch := f.orch.SubscribeSpec(spec.ID)
	defer f.orch.UnsubscribeSpec(spec.ID, ch)

	f.pub.Publish(events.New(events.EventSpecStart, spec.ID, nil))
	select {
	case evt := <-ch:
		assert.Equal(t, events.EventSpecStart, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestExecutorHealth(t *testing.T) {
	f := setup(t)

	// Without a probe the orchestrator reports an empty health.
	h, err := f.orch.ExecutorHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Healthy)

	calls := 0
	WithHealthCheck(func(ctx context.Context) (*opencode.Health, error) {
		calls++
		return &opencode.Health{Healthy: true, Version: "1.0"}, nil
	})(f.orch)

	h, err = f.orch.ExecutorHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, 1, calls)
}
