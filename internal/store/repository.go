// Package store provides typed persistence for specwright entities.
//
// The core consumes the Repository interface; the embedded SQLite
// implementation lets the binary run standalone.
package store

import (
	"context"

	"github.com/specwright/specwright/internal/model"
)

// SpecPatch describes a partial spec update. Nil fields are left unchanged.
type SpecPatch struct {
	Title    *string
	Content  *string
	Status   *model.SpecStatus
	Branch   *string
	PRNumber *int
	PRURL    *string
	Error    *string
}

// ChunkPatch describes a partial chunk update. Nil fields are left unchanged.
type ChunkPatch struct {
	Title          *string
	Description    *string
	Status         *model.ChunkStatus
	Output         *string
	Error          *string
	ReviewStatus   *model.ReviewStatus
	ReviewFeedback *string
	CommitSHA      *string
	Attempts       *int
	DependsOn      *[]string
}

// ChunkNotifier receives chunk status-change notifications. The store invokes
// it after a successful status write; the orchestration layer fans the change
// out to subscribers.
type ChunkNotifier func(specID, chunkID string, status model.ChunkStatus)

// Repository is the synchronous, transactional persistence boundary.
type Repository interface {
	// Projects
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Specs
	CreateSpec(ctx context.Context, s *model.Spec) error
	GetSpec(ctx context.Context, id string) (*model.Spec, error)
	ListSpecsByProject(ctx context.Context, projectID string) ([]*model.Spec, error)
	UpdateSpec(ctx context.Context, id string, patch SpecPatch) error

	// Chunks
	CreateChunk(ctx context.Context, c *model.Chunk) error
	GetChunk(ctx context.Context, id string) (*model.Chunk, error)
	GetChunksBySpec(ctx context.Context, specID string) ([]*model.Chunk, error)
	UpdateChunk(ctx context.Context, id string, patch ChunkPatch) error
	// ReorderChunks rewrites the order column for the given spec in a single
	// transaction. orderedIDs must be exactly the spec's chunk ids.
	ReorderChunks(ctx context.Context, specID string, orderedIDs []string) error
	// InsertFixChunk atomically creates a fix chunk linked to its parent,
	// with order equal to the parent's order.
	InsertFixChunk(ctx context.Context, parentID string, title, description string) (*model.Chunk, error)

	// Tool calls
	CreateToolCall(ctx context.Context, tc *model.ToolCall) error
	UpdateToolCall(ctx context.Context, id string, status model.ToolCallStatus, output string) error
	GetToolCallsByChunk(ctx context.Context, chunkID string) ([]*model.ToolCall, error)

	// Queue
	EnqueueSpec(ctx context.Context, specID, projectID string, priority int) (*model.QueueItem, error)
	ListQueue(ctx context.Context) ([]*model.QueueItem, error)
	RemoveQueueItem(ctx context.Context, specID string) error

	// Workers
	SaveWorker(ctx context.Context, w *model.Worker) error
	GetWorkerBySpec(ctx context.Context, specID string) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	// ReconcileStaleWorkers marks every non-terminal worker failed with the
	// given reason and fails its spec. Called once at boot.
	ReconcileStaleWorkers(ctx context.Context, reason string) (int, error)

	// Review logs
	AppendReviewLog(ctx context.Context, rl *model.ReviewLog) error
	GetReviewLogsByChunk(ctx context.Context, chunkID string) ([]*model.ReviewLog, error)

	Close() error
}
