// Package orchestrator caps spec-level concurrency with a bounded worker
// pool fed by a persistent priority queue, and exposes the service surface
// the transport layers consume.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/specwright/specwright/internal/config"
	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/events"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/opencode"
	"github.com/specwright/specwright/internal/pipeline"
	"github.com/specwright/specwright/internal/sequencer"
	"github.com/specwright/specwright/internal/store"
)

// restartReason marks workers orphaned by a process restart.
const restartReason = "orchestrator restart"

// persistBudget bounds bookkeeping writes that outlive the caller's context.
const persistBudget = 10 * time.Second

// SpecRunner drives one spec to a terminal state.
type SpecRunner interface {
	Run(ctx context.Context, specID string) (*sequencer.Result, error)
}

// ChunkRunner drives a single chunk, and re-reviews on demand.
type ChunkRunner interface {
	Run(ctx context.Context, in pipeline.RunInput) (*pipeline.Outcome, error)
	Review(ctx context.Context, chunk *model.Chunk, workDir string) (*pipeline.ReviewResult, error)
}

// Runtime bundles the per-project execution surfaces. The orchestrator is
// project-agnostic; the factory binds sequencer, pipeline, and workspace to
// a concrete project directory.
type Runtime struct {
	Sequencer SpecRunner
	Pipeline  ChunkRunner
	Git       sequencer.GitManager
}

// RuntimeFactory builds a Runtime for a project.
type RuntimeFactory func(project *model.Project) *Runtime

// HealthFunc probes the executor backend.
type HealthFunc func(ctx context.Context) (*opencode.Health, error)

// WorkerStats is a snapshot of the pool.
type WorkerStats struct {
	Active    int `json:"active"`
	Max       int `json:"max"`
	QueueLen  int `json:"queue_len"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StartResult reports whether a direct start was admitted.
type StartResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type worker struct {
	id     string
	specID string
	cancel context.CancelFunc
	done   chan struct{}
}

type chunkRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator is the multi-spec scheduler. One instance per process.
type Orchestrator struct {
	repo    store.Repository
	pub     events.Publisher
	cfg     *config.Config
	runtime RuntimeFactory
	health  HealthFunc
	logger  *slog.Logger

	// healthGroup coalesces concurrent health probes.
	healthGroup singleflight.Group

	mu      sync.Mutex
	queue   *specQueue
	workers map[string]*worker
	// chunkRuns serialises single-chunk invocations per chunk id.
	chunkRuns map[string]*chunkRun
	completed int
	failed    int
	started   bool
	baseCtx   context.Context
	baseStop  context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithHealthCheck wires the executor health probe.
func WithHealthCheck(h HealthFunc) Option {
	return func(o *Orchestrator) { o.health = h }
}

// New creates an orchestrator.
func New(repo store.Repository, pub events.Publisher, cfg *config.Config, runtime RuntimeFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:      repo,
		pub:       pub,
		cfg:       cfg,
		runtime:   runtime,
		logger:    slog.Default(),
		queue:     newSpecQueue(),
		workers:   make(map[string]*worker),
		chunkRuns: make(map[string]*chunkRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start reconciles stale workers left by the previous process, hydrates the
// queue from persistence, and begins dispatching.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.baseCtx, o.baseStop = context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Unlock()

	reconciled, err := o.repo.ReconcileStaleWorkers(ctx, restartReason)
	if err != nil {
		return err
	}
	if reconciled > 0 {
		o.logger.Info("reconciled stale workers", "count", reconciled)
	}

	items, err := o.repo.ListQueue(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, it := range items {
		o.queue.push(it)
	}
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		"max_concurrent", o.cfg.MaxConcurrent, "queued", len(items))
	o.processQueue()
	return nil
}

// Stop cancels every live worker and chunk run and waits for them to drain.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.baseStop != nil {
		o.baseStop()
	}
	var g errgroup.Group
	wait := func(done chan struct{}) func() error {
		return func() error {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	for _, w := range o.workers {
		g.Go(wait(w.done))
	}
	for _, cr := range o.chunkRuns {
		g.Go(wait(cr.done))
	}
	o.mu.Unlock()

	if err := g.Wait(); err != nil {
		return err
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// StartSpec starts a worker for the spec immediately, bypassing the queue.
// At capacity it rejects with the capacity sentinel so callers can enqueue
// instead.
func (o *Orchestrator) StartSpec(ctx context.Context, specID string) (*StartResult, error) {
	spec, err := o.repo.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	if spec.Status.Terminal() {
		return &StartResult{Reason: "spec is merged"},
			specerr.ErrSpecInvalidState(specID, string(spec.Status), "ready")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, live := o.workers[specID]; live {
		return &StartResult{Reason: "spec already has a live worker"},
			specerr.ErrDuplicateWorker(specID)
	}
	if len(o.workers) >= o.cfg.MaxConcurrent {
		return &StartResult{Reason: "worker pool at capacity"},
			specerr.ErrCapacity(len(o.workers), o.cfg.MaxConcurrent)
	}
	if err := o.startWorkerLocked(spec.ID, spec.ProjectID); err != nil {
		return nil, err
	}
	return &StartResult{Accepted: true}, nil
}

// QueueSpec admits a spec to the queue, updating priority on re-enqueue.
func (o *Orchestrator) QueueSpec(ctx context.Context, specID string, priority int) (*model.QueueItem, error) {
	spec, err := o.repo.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	if spec.Status.Terminal() {
		return nil, specerr.ErrSpecInvalidState(specID, string(spec.Status), "ready")
	}
	item, err := o.repo.EnqueueSpec(ctx, specID, spec.ProjectID, priority)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.queue.push(item)
	o.mu.Unlock()
	o.processQueue()
	return item, nil
}

// AbortSpec cancels the spec's live worker, or removes it from the queue.
// A no-op success when the spec is neither running nor queued.
func (o *Orchestrator) AbortSpec(ctx context.Context, specID string) error {
	o.mu.Lock()
	w, live := o.workers[specID]
	dequeued := o.queue.remove(specID)
	o.mu.Unlock()

	if dequeued {
		if err := o.repo.RemoveQueueItem(ctx, specID); err != nil {
			return err
		}
	}
	if live {
		o.logger.Info("aborting spec", "spec_id", specID)
		w.cancel()
	}
	return nil
}

// StartChunk runs a single chunk's pipeline outside any spec run. Rejected
// while the owning spec has a live worker, and serialised per chunk id.
func (o *Orchestrator) StartChunk(ctx context.Context, chunkID string) (*StartResult, error) {
	chunk, err := o.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	spec, err := o.repo.GetSpec(ctx, chunk.SpecID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseCtx == nil {
		return nil, fmt.Errorf("orchestrator not started")
	}
	if _, live := o.workers[chunk.SpecID]; live {
		return &StartResult{Reason: "spec has a live worker"},
			specerr.ErrDuplicateWorker(chunk.SpecID)
	}
	if _, running := o.chunkRuns[chunkID]; running {
		return &StartResult{Reason: "chunk already running"},
			specerr.ErrChunkRunning(chunkID)
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	cr := &chunkRun{cancel: cancel, done: make(chan struct{})}
	o.chunkRuns[chunkID] = cr
	go o.runChunk(runCtx, cr, chunk, spec)
	return &StartResult{Accepted: true}, nil
}

// AbortChunk cancels a direct chunk run. No-op success when idle.
func (o *Orchestrator) AbortChunk(ctx context.Context, chunkID string) error {
	o.mu.Lock()
	cr, running := o.chunkRuns[chunkID]
	o.mu.Unlock()
	if running {
		o.logger.Info("aborting chunk", "chunk_id", chunkID)
		cr.cancel()
	}
	return nil
}

// ReviewChunk re-runs the review stage for a chunk against its persisted
// output.
func (o *Orchestrator) ReviewChunk(ctx context.Context, chunkID string) (*pipeline.ReviewResult, error) {
	chunk, err := o.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	spec, err := o.repo.GetSpec(ctx, chunk.SpecID)
	if err != nil {
		return nil, err
	}
	project, err := o.repo.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return nil, err
	}
	rt := o.runtime(project)

	workDir := project.Dir
	if rt.Git.IsRepo(ctx) {
		info, err := rt.Git.Init(ctx, spec.ID, spec.Title)
		if err != nil {
			return nil, err
		}
		workDir = info.Path
	}
	return rt.Pipeline.Review(ctx, chunk, workDir)
}

// WorkerStats returns a snapshot of the pool.
func (o *Orchestrator) WorkerStats() WorkerStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return WorkerStats{
		Active:    len(o.workers),
		Max:       o.cfg.MaxConcurrent,
		QueueLen:  o.queue.Len(),
		Completed: o.completed,
		Failed:    o.failed,
	}
}

// SubscribeSpec returns an event channel for the spec. Use
// events.GlobalSpecID for all specs.
func (o *Orchestrator) SubscribeSpec(specID string) <-chan events.Event {
	return o.pub.Subscribe(specID)
}

// UnsubscribeSpec releases a subscription.
func (o *Orchestrator) UnsubscribeSpec(specID string, ch <-chan events.Event) {
	o.pub.Unsubscribe(specID, ch)
}

// ExecutorHealth probes the executor backend, coalescing concurrent callers
// into one round-trip.
func (o *Orchestrator) ExecutorHealth(ctx context.Context) (*opencode.Health, error) {
	if o.health == nil {
		return &opencode.Health{}, nil
	}
	v, err, _ := o.healthGroup.Do("executor", func() (any, error) {
		return o.health(ctx)
	})
	h, _ := v.(*opencode.Health)
	if h == nil {
		h = &opencode.Health{}
	}
	return h, err
}

// processQueue dispatches queued specs while capacity remains. Invoked on
// enqueue and on worker termination.
func (o *Orchestrator) processQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), persistBudget)
	defer cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.baseCtx != nil && len(o.workers) < o.cfg.MaxConcurrent {
		head := o.queue.pop()
		if head == nil {
			return
		}
		if err := o.repo.RemoveQueueItem(ctx, head.specID); err != nil {
			o.logger.Warn("dequeue failed", "spec_id", head.specID, "error", err)
		}
		if !o.eligibleLocked(ctx, head.specID) {
			continue
		}
		if err := o.startWorkerLocked(head.specID, head.projectID); err != nil {
			o.logger.Error("dispatch failed", "spec_id", head.specID, "error", err)
		}
	}
}

// eligibleLocked re-verifies a queued spec at dispatch time: it may have been
// deleted, merged, or started directly while waiting.
func (o *Orchestrator) eligibleLocked(ctx context.Context, specID string) bool {
	if _, live := o.workers[specID]; live {
		return false
	}
	spec, err := o.repo.GetSpec(ctx, specID)
	if err != nil || spec.Status.Terminal() {
		return false
	}
	return true
}

// startWorkerLocked persists the worker row and launches the goroutine.
// Caller holds o.mu.
func (o *Orchestrator) startWorkerLocked(specID, projectID string) error {
	if o.baseCtx == nil {
		return fmt.Errorf("orchestrator not started")
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	w := &worker{
		specID: specID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	persistCtx, pcancel := context.WithTimeout(context.Background(), persistBudget)
	defer pcancel()
	row := &model.Worker{SpecID: specID, Status: model.WorkerRunning}
	if err := o.repo.SaveWorker(persistCtx, row); err != nil {
		cancel()
		return err
	}
	w.id = row.ID
	o.workers[specID] = w

	go o.runWorker(ctx, w, projectID)
	return nil
}

// runWorker executes the sequencer and settles the worker row. Sequencer
// failures are values here; nothing propagates to crash the pool.
func (o *Orchestrator) runWorker(ctx context.Context, w *worker, projectID string) {
	defer close(w.done)

	log := o.logger.With("spec_id", w.specID, "worker_id", w.id)
	log.Info("worker started")

	status := model.WorkerCompleted
	errMsg := ""

	project, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		status, errMsg = model.WorkerFailed, err.Error()
	} else {
		res, runErr := o.runtime(project).Sequencer.Run(ctx, w.specID)
		switch {
		case ctx.Err() != nil:
			status, errMsg = model.WorkerCancelled, "aborted"
		case runErr != nil:
			status, errMsg = model.WorkerFailed, runErr.Error()
		case res.Status == model.SpecFailed:
			status = model.WorkerFailed
			errMsg = res.Reason
		}
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistBudget)
	defer cancel()
	if err := o.repo.SaveWorker(persistCtx, &model.Worker{
		ID: w.id, SpecID: w.specID, Status: status, Error: errMsg,
	}); err != nil {
		log.Error("persist worker state failed", "error", err)
	}
	log.Info("worker finished", "status", status, "error", errMsg)

	o.mu.Lock()
	delete(o.workers, w.specID)
	if status == model.WorkerCompleted {
		o.completed++
	} else {
		o.failed++
	}
	o.mu.Unlock()
	o.processQueue()
}

// runChunk drives one chunk through the pipeline with workspace setup and
// teardown around it.
func (o *Orchestrator) runChunk(ctx context.Context, cr *chunkRun, chunk *model.Chunk, spec *model.Spec) {
	defer close(cr.done)
	defer func() {
		o.mu.Lock()
		delete(o.chunkRuns, chunk.ID)
		o.mu.Unlock()
	}()

	log := o.logger.With("spec_id", spec.ID, "chunk_id", chunk.ID)

	project, err := o.repo.GetProject(ctx, spec.ProjectID)
	if err != nil {
		log.Error("load project failed", "error", err)
		return
	}
	rt := o.runtime(project)

	in := pipeline.RunInput{
		Chunk:    chunk,
		WorkDir:  project.Dir,
		AllowFix: o.allowFix(ctx, chunk),
	}
	if rt.Git.IsRepo(ctx) {
		info, err := rt.Git.Init(ctx, spec.ID, spec.Title)
		if err != nil {
			log.Error("workspace init failed", "error", err)
			return
		}
		in.WorkDir = info.Path
		in.Git = rt.Git
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), persistBudget)
			defer cancel()
			if err := rt.Git.Cleanup(cleanupCtx, spec.ID, false); err != nil {
				log.Warn("workspace cleanup failed", "error", err)
			}
		}()
	}

	o.pub.Publish(events.NewChunk(events.EventChunkStart, spec.ID, chunk.ID, nil))
	outcome, err := rt.Pipeline.Run(ctx, in)
	if err != nil {
		log.Error("chunk run failed", "error", err)
		o.pub.Publish(events.NewChunk(events.EventError, spec.ID, chunk.ID, events.ErrorData{
			Message: err.Error(),
		}))
		return
	}
	o.pub.Publish(events.NewChunk(events.EventChunkComplete, spec.ID, chunk.ID, map[string]any{
		"status": outcome.Status, "commit_sha": outcome.CommitSHA, "error": outcome.Error,
	}))
	log.Info("chunk run finished", "status", outcome.Status)
}

// allowFix reports whether the chunk's fix lineage still has iteration
// budget. The budget is tracked on the lineage root's attempt counter.
func (o *Orchestrator) allowFix(ctx context.Context, chunk *model.Chunk) bool {
	root := chunk
	for root.ParentChunkID != "" {
		parent, err := o.repo.GetChunk(ctx, root.ParentChunkID)
		if err != nil {
			break
		}
		root = parent
	}
	return root.Attempts < o.cfg.MaxIterations
}
