// Package events provides event types and publishing infrastructure for
// specwright. Events flow from pipelines through sequencers to subscribers;
// ordering within a spec is guaranteed by the sequencer's serial chunk loop.
package events

import (
	"time"
)

// Type defines the type of event.
type Type string

const (
	// Spec-level events

	// EventSpecStart indicates a sequencer accepted a spec.
	EventSpecStart Type = "spec_start"
	// EventSpecComplete indicates all chunks reached terminal states.
	EventSpecComplete Type = "spec_complete"
	// EventSpecAborted indicates the spec run was aborted.
	EventSpecAborted Type = "spec_aborted"

	// Chunk-level events

	// EventChunkStart indicates a chunk pipeline started.
	EventChunkStart Type = "chunk_start"
	// EventChunkComplete indicates a chunk reached a terminal state.
	EventChunkComplete Type = "chunk_complete"
	// EventChunkSkipped indicates a chunk was skipped.
	EventChunkSkipped Type = "chunk_skipped"
	// EventDependencyBlocked indicates a chunk failed because a
	// predecessor never committed.
	EventDependencyBlocked Type = "dependency_blocked"

	// Pipeline stage events

	// EventToolCall indicates a backend tool invocation progressed.
	EventToolCall Type = "tool_call"
	// EventText indicates streamed assistant text.
	EventText Type = "text"
	// EventValidationStart indicates the validate stage began.
	EventValidationStart Type = "validation_start"
	// EventValidationComplete carries the validate stage outcome.
	EventValidationComplete Type = "validation_complete"
	// EventReviewStart indicates the review stage began.
	EventReviewStart Type = "review_start"
	// EventReviewComplete carries the review verdict.
	EventReviewComplete Type = "review_complete"

	// Git workflow events

	// EventGitInit indicates workspace initialisation.
	EventGitInit Type = "git_workflow_init"
	// EventGitReset indicates a worktree reset to a snapshot.
	EventGitReset Type = "git_reset"
	// EventGitCommit indicates a chunk commit was created.
	EventGitCommit Type = "git_commit"
	// EventGitPush indicates the spec branch was pushed.
	EventGitPush Type = "git_push"
	// EventPRCreated carries the opened pull request.
	EventPRCreated Type = "pr_created"

	// Final review events

	// EventFinalReviewStart indicates a whole-diff review pass began.
	EventFinalReviewStart Type = "final_review_start"
	// EventFinalReviewComplete carries the final review verdict.
	EventFinalReviewComplete Type = "final_review_complete"
	// EventFinalReviewFixChunks indicates fix chunks were spawned.
	EventFinalReviewFixChunks Type = "final_review_fix_chunks"

	// EventError indicates an error occurred.
	EventError Type = "error"
	// EventConnection indicates executor connection state changed.
	EventConnection Type = "connection"
)

// Event represents a published event.
type Event struct {
	Type    Type      `json:"type"`
	SpecID  string    `json:"spec_id"`
	ChunkID string    `json:"chunk_id,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// New creates a new event with the current timestamp.
func New(eventType Type, specID string, data any) Event {
	return Event{Type: eventType, SpecID: specID, Data: data, Time: time.Now()}
}

// NewChunk creates a new chunk-scoped event with the current timestamp.
func NewChunk(eventType Type, specID, chunkID string, data any) Event {
	return Event{Type: eventType, SpecID: specID, ChunkID: chunkID, Data: data, Time: time.Now()}
}

// SpecStartData accompanies EventSpecStart.
type SpecStartData struct {
	TotalChunks int `json:"total_chunks"`
}

// SpecCompleteData accompanies EventSpecComplete.
type SpecCompleteData struct {
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Commits   int    `json:"commits"`
	Duration  string `json:"duration"`
}

// ValidationData accompanies EventValidationComplete.
type ValidationData struct {
	FilesChanged int      `json:"files_changed"`
	Paths        []string `json:"paths,omitempty"`
	BuildRun     bool     `json:"build_run"`
	BuildSuccess bool     `json:"build_success"`
	AutoFailed   bool     `json:"auto_failed"`
}

// ReviewData accompanies EventReviewComplete.
type ReviewData struct {
	Status   string `json:"status"`
	Feedback string `json:"feedback,omitempty"`
}

// ToolCallData accompanies EventToolCall.
type ToolCallData struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// CommitData accompanies EventGitCommit.
type CommitData struct {
	SHA          string `json:"sha"`
	FilesChanged int    `json:"files_changed"`
}

// PRData accompanies EventPRCreated.
type PRData struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// ErrorData accompanies EventError.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
	Fatal   bool   `json:"fatal"`
}

// ConnectionData accompanies EventConnection.
type ConnectionData struct {
	Connected bool `json:"connected"`
	Attempt   int  `json:"attempt,omitempty"`
}

// DependencyBlockedData accompanies EventDependencyBlocked.
type DependencyBlockedData struct {
	BlockedBy string `json:"blocked_by"`
}
