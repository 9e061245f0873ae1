// Package opencode provides a typed client for the long-running executor
// backend: session lifecycle over HTTP plus a global SSE event feed
// demultiplexed by session id.
package opencode

import (
	"encoding/json"
	"time"
)

// SessionStatus reported by the backend.
type SessionStatus string

const (
	SessionBusy  SessionStatus = "busy"
	SessionIdle  SessionStatus = "idle"
	SessionError SessionStatus = "error"
)

// ToolState is the lifecycle state of a streamed tool call.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// EventType identifies a demultiplexed stream event.
type EventType string

const (
	// EventSessionStatus delivers a session status change.
	EventSessionStatus EventType = "session.status"
	// EventTool delivers a tool call update.
	EventTool EventType = "tool"
	// EventText delivers an assistant text fragment.
	EventText EventType = "text"
	// EventFileEdited delivers a file-changed hint.
	EventFileEdited EventType = "file.edited"
	// EventSessionIdle marks prompt completion.
	EventSessionIdle EventType = "session.idle"
)

// ToolEvent carries one tool call update.
type ToolEvent struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	State  ToolState       `json:"state"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
}

// Event is a single demultiplexed event from the global feed.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status,omitempty"`
	Tool      *ToolEvent    `json:"tool,omitempty"`
	Text      string        `json:"text,omitempty"`
	File      string        `json:"file,omitempty"`
	Time      time.Time     `json:"time"`
}

// PromptOptions configures a prompt submission.
type PromptOptions struct {
	Parts        []string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// Health is the executor health report.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// MessagePart is one part of a stored message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// Message is a stored session message, used to assemble the final output
// after session.idle and to recover events missed during reconnects.
type Message struct {
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

// ConnectionHandler receives SSE connection state changes.
type ConnectionHandler func(connected bool, attempt int)
