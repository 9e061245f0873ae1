// Package model defines the persistent entities shared across specwright.
package model

import (
	"encoding/json"
	"time"
)

// SpecStatus represents the lifecycle state of a spec.
type SpecStatus string

const (
	SpecDraft     SpecStatus = "draft"
	SpecReady     SpecStatus = "ready"
	SpecRunning   SpecStatus = "running"
	SpecReview    SpecStatus = "review"
	SpecCompleted SpecStatus = "completed"
	SpecMerged    SpecStatus = "merged"
	SpecFailed    SpecStatus = "failed"
)

// Terminal reports whether the spec can no longer transition.
// Merged is the only hard-terminal state; failed specs may be re-run.
func (s SpecStatus) Terminal() bool {
	return s == SpecMerged
}

// ChunkStatus represents the execution state of a chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkRunning   ChunkStatus = "running"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
	ChunkNeedsFix  ChunkStatus = "needs_fix"
	ChunkSkipped   ChunkStatus = "skipped"
)

// Terminal reports whether the chunk has reached a terminal state.
func (s ChunkStatus) Terminal() bool {
	switch s {
	case ChunkCompleted, ChunkFailed, ChunkNeedsFix, ChunkSkipped:
		return true
	}
	return false
}

// Committed reports whether the chunk state satisfies a dependency edge:
// completed with a commit recorded, or explicitly skipped.
func (c *Chunk) Committed() bool {
	if c.Status == ChunkSkipped {
		return true
	}
	return c.Status == ChunkCompleted && c.CommitSHA != ""
}

// ReviewStatus is the outcome of a chunk review.
type ReviewStatus string

const (
	ReviewPass     ReviewStatus = "pass"
	ReviewNeedsFix ReviewStatus = "needs_fix"
	ReviewFail     ReviewStatus = "fail"
	ReviewError    ReviewStatus = "error"
	ReviewSkipped  ReviewStatus = "skipped"
)

// ToolCallStatus is the state of a tool call record.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// Terminal reports whether the tool call is frozen.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallCompleted || s == ToolCallError
}

// WorkerStatus is the state of a per-spec worker.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerRunning   WorkerStatus = "running"
	WorkerPaused    WorkerStatus = "paused"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// Terminal reports whether the worker has released its slot.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerCancelled:
		return true
	}
	return false
}

// Project is a durable identity for a working copy.
type Project struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spec is a unit of delivery. Every spec runs against exactly one
// branch/worktree.
type Spec struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Status    SpecStatus `json:"status"`
	Branch    string     `json:"branch,omitempty"`
	PRNumber  int        `json:"pr_number,omitempty"`
	PRURL     string     `json:"pr_url,omitempty"`
	Error     string     `json:"error,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Chunk is a task unit inside a spec.
type Chunk struct {
	ID             string       `json:"id"`
	SpecID         string       `json:"spec_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Order          int          `json:"order"`
	Status         ChunkStatus  `json:"status"`
	Output         string       `json:"output,omitempty"`
	Error          string       `json:"error,omitempty"`
	ReviewStatus   ReviewStatus `json:"review_status,omitempty"`
	ReviewFeedback string       `json:"review_feedback,omitempty"`
	DependsOn      []string     `json:"depends_on,omitempty"`
	ParentChunkID  string       `json:"parent_chunk_id,omitempty"`
	CommitSHA      string       `json:"commit_sha,omitempty"`
	Attempts       int          `json:"attempts"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ToolCall is a side-effect record emitted by an AI backend during chunk
// execution. Append-only: once terminal it is never mutated.
type ToolCall struct {
	ID        string          `json:"id"`
	ChunkID   string          `json:"chunk_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Output    string          `json:"output,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// QueueItem is a pending spec awaiting a worker. Unique by spec id.
type QueueItem struct {
	ID         string    `json:"id"`
	SpecID     string    `json:"spec_id"`
	ProjectID  string    `json:"project_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Worker is the transient per-spec execution context.
type Worker struct {
	ID             string       `json:"id"`
	SpecID         string       `json:"spec_id"`
	Status         WorkerStatus `json:"status"`
	CurrentChunkID string       `json:"current_chunk_id,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ReviewLog is an append-only audit record of a review outcome.
type ReviewLog struct {
	ID        string        `json:"id"`
	ChunkID   string        `json:"chunk_id"`
	Status    ReviewStatus  `json:"status"`
	Feedback  string        `json:"feedback,omitempty"`
	Model     string        `json:"model,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// GitState is the transient per-spec workspace description.
type GitState struct {
	Enabled        bool   `json:"enabled"`
	OriginalBranch string `json:"original_branch,omitempty"`
	Branch         string `json:"branch,omitempty"`
	WorkDir        string `json:"work_dir"`
	IsWorktree     bool   `json:"is_worktree"`
	BaseBranch     string `json:"base_branch"`
}
