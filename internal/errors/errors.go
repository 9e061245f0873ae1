// Package errors provides structured error types for specwright.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code represents a stable error kind tag.
type Code string

// Error codes for specwright.
const (
	// Transient backend errors (retried once, then stage failure)
	CodeExecutorTransient Code = "EXECUTOR_TRANSIENT"
	CodeExecutorTimeout   Code = "EXECUTOR_TIMEOUT"
	CodeReviewerTimeout   Code = "REVIEWER_TIMEOUT"

	// Backend-not-found errors (fatal for the spec, no retry)
	CodeExecutorUnavailable Code = "EXECUTOR_UNAVAILABLE"
	CodeReviewerNotFound    Code = "REVIEWER_NOT_FOUND"

	// Cancellation (never surfaced as an error to the user)
	CodeCancelled Code = "CANCELLED"

	// Protocol errors (offending event dropped, stage continues)
	CodeProtocol Code = "PROTOCOL_ERROR"

	// Invariant violations (raised at the offending operation)
	CodeCircularDependency Code = "CIRCULAR_DEPENDENCY"
	CodeDuplicateWorker    Code = "DUPLICATE_WORKER"
	CodeCapacity           Code = "CAPACITY_EXCEEDED"
	CodeSpecInvalidState   Code = "SPEC_INVALID_STATE"
	CodeChunkRunning       Code = "CHUNK_RUNNING"

	// Entity lookups
	CodeSpecNotFound  Code = "SPEC_NOT_FOUND"
	CodeChunkNotFound Code = "CHUNK_NOT_FOUND"

	// Repository errors (surfaced unchanged)
	CodeRepository Code = "REPOSITORY_ERROR"

	// Git errors
	CodeGitUnavailable Code = "GIT_UNAVAILABLE"
	CodePRFailed       Code = "PR_FAILED"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

var codeCategories = map[Code]Category{
	CodeExecutorTransient:   CategoryUnavailable,
	CodeExecutorTimeout:     CategoryTimeout,
	CodeReviewerTimeout:     CategoryTimeout,
	CodeExecutorUnavailable: CategoryUnavailable,
	CodeReviewerNotFound:    CategoryUnavailable,
	CodeCancelled:           CategoryConflict,
	CodeProtocol:            CategoryInternal,
	CodeCircularDependency:  CategoryBadRequest,
	CodeDuplicateWorker:     CategoryConflict,
	CodeCapacity:            CategoryConflict,
	CodeSpecInvalidState:    CategoryBadRequest,
	CodeChunkRunning:        CategoryConflict,
	CodeSpecNotFound:        CategoryNotFound,
	CodeChunkNotFound:       CategoryNotFound,
	CodeRepository:          CategoryInternal,
	CodeGitUnavailable:      CategoryBadRequest,
	CodePRFailed:            CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for specwright. Each carries a stable
// code, a short human message, and optional remediation.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON includes the cause message when present.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, What: e.What, Why: e.Why, Fix: e.Fix, Cause: err}
}

// AsError attempts to convert an error to a structured Error.
// Returns nil if the error chain contains none.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of the structured error in the chain, or "UNKNOWN".
func CodeOf(err error) Code {
	if se := AsError(err); se != nil {
		return se.Code
	}
	return Code("UNKNOWN")
}

// IsCancelled reports whether the error chain carries a cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if se := AsError(err); se != nil && se.Code == CodeCancelled {
		return true
	}
	return errors.Is(err, ErrContextCancelled)
}

// ErrContextCancelled mirrors context.Canceled for Is checks without
// importing context here.
var ErrContextCancelled = errors.New("context canceled")

// --- Error constructors ---

// ErrExecutorTransient returns a retryable executor backend error.
func ErrExecutorTransient(err error) *Error {
	return &Error{
		Code:  CodeExecutorTransient,
		What:  "executor backend request failed",
		Why:   "The opencode server returned an error or the connection dropped",
		Fix:   "The request is retried once automatically; check the executor server if this persists",
		Cause: err,
	}
}

// ErrExecutorUnavailable returns an error for an unreachable executor server.
func ErrExecutorUnavailable(endpoint string, err error) *Error {
	return &Error{
		Code:  CodeExecutorUnavailable,
		What:  "executor backend is not reachable",
		Why:   fmt.Sprintf("Connection to %s could not be established", endpoint),
		Fix:   "Start the opencode server or fix the executor endpoint in config.yaml",
		Cause: err,
	}
}

// ErrExecutorTimeout returns an error for an execute-stage timeout.
func ErrExecutorTimeout(timeout string) *Error {
	return &Error{
		Code: CodeExecutorTimeout,
		What: "chunk execution timed out",
		Why:  fmt.Sprintf("No completion after %s", timeout),
		Fix:  "Increase executor.timeout in config.yaml or split the chunk into smaller tasks",
	}
}

// ErrReviewerNotFound returns an error when the reviewer CLI is missing.
func ErrReviewerNotFound(cliPath string, err error) *Error {
	return &Error{
		Code:  CodeReviewerNotFound,
		What:  fmt.Sprintf("reviewer CLI %q not found", cliPath),
		Why:   "The configured CLI binary does not exist on PATH",
		Fix:   "Install the claude CLI or set reviewer.cliPath in config.yaml",
		Cause: err,
	}
}

// ErrReviewerTimeout returns an error for a review-stage timeout.
func ErrReviewerTimeout(timeout string) *Error {
	return &Error{
		Code: CodeReviewerTimeout,
		What: "chunk review timed out",
		Why:  fmt.Sprintf("The reviewer produced no result after %s", timeout),
	}
}

// ErrCancelled returns the cancellation marker error.
func ErrCancelled(what string) *Error {
	return &Error{
		Code: CodeCancelled,
		What: what,
		Why:  "The operation was aborted by request",
	}
}

// ErrProtocol returns an error for a malformed backend event.
func ErrProtocol(what string, err error) *Error {
	return &Error{
		Code:  CodeProtocol,
		What:  what,
		Why:   "The backend emitted an event that does not match its contract",
		Cause: err,
	}
}

// ErrCircularDependency returns an error for a dependency cycle.
func ErrCircularDependency(detail string) *Error {
	return &Error{
		Code: CodeCircularDependency,
		What: "chunk dependencies form a cycle",
		Why:  detail,
		Fix:  "Remove the cyclic dependency before starting the spec",
	}
}

// ErrDuplicateWorker returns an error when a spec already has a live worker.
func ErrDuplicateWorker(specID string) *Error {
	return &Error{
		Code: CodeDuplicateWorker,
		What: fmt.Sprintf("spec %s already has a live worker", specID),
		Why:  "Exactly one worker may exist per spec",
	}
}

// ErrCapacity is the sentinel returned by direct start when the pool is full.
// Callers should enqueue instead.
func ErrCapacity(active, max int) *Error {
	return &Error{
		Code: CodeCapacity,
		What: "worker pool is at capacity",
		Why:  fmt.Sprintf("%d of %d workers are busy", active, max),
		Fix:  "Queue the spec instead of starting it directly",
	}
}

// ErrSpecNotFound returns an error when a spec doesn't exist.
func ErrSpecNotFound(id string) *Error {
	return &Error{
		Code: CodeSpecNotFound,
		What: fmt.Sprintf("spec %s not found", id),
	}
}

// ErrChunkNotFound returns an error when a chunk doesn't exist.
func ErrChunkNotFound(id string) *Error {
	return &Error{
		Code: CodeChunkNotFound,
		What: fmt.Sprintf("chunk %s not found", id),
	}
}

// ErrSpecInvalidState returns an error when a spec is in the wrong state.
func ErrSpecInvalidState(id string, current, expected string) *Error {
	return &Error{
		Code: CodeSpecInvalidState,
		What: fmt.Sprintf("spec %s is in state %q, expected %q", id, current, expected),
	}
}

// ErrChunkRunning returns an error when a chunk pipeline is already active.
func ErrChunkRunning(id string) *Error {
	return &Error{
		Code: CodeChunkRunning,
		What: fmt.Sprintf("chunk %s is already running", id),
		Why:  "At most one pipeline may be active per chunk",
	}
}

// ErrRepository wraps a persistence failure, surfaced unchanged to callers.
func ErrRepository(op string, err error) *Error {
	return &Error{
		Code:  CodeRepository,
		What:  fmt.Sprintf("repository operation %s failed", op),
		Cause: err,
	}
}

// ErrPRFailed returns a non-fatal error for PR creation failures.
// Commits are left intact.
func ErrPRFailed(err error) *Error {
	return &Error{
		Code:  CodePRFailed,
		What:  "pull request creation failed",
		Why:   "The host provider CLI is missing or not authenticated",
		Fix:   "Run 'gh auth login' or configure a hosting token, then open the PR manually",
		Cause: err,
	}
}
