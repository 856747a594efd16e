// Package errors provides structured error types for fab.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for fab.
const (
	// Task errors
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	CodeTaskExists   Code = "TASK_EXISTS"
	CodeTaskConflict Code = "TASK_CONFLICT"
	CodeTaskTerminal Code = "TASK_TERMINAL"

	// Submission errors
	CodeInvalidPayload  Code = "INVALID_PAYLOAD"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeQueueFull       Code = "QUEUE_FULL"
	CodeRateLimited     Code = "RATE_LIMITED"

	// Execution errors
	CodeAgentNotFound Code = "AGENT_NOT_FOUND"
	CodeAgentTimeout  Code = "AGENT_TIMEOUT"
	CodePoolBusy      Code = "POOL_BUSY"

	// Infrastructure errors
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeDaemonRunning    Code = "DAEMON_RUNNING"
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
	CategoryRateLimited
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeTaskNotFound:     CategoryNotFound,
	CodeTaskExists:       CategoryConflict,
	CodeTaskConflict:     CategoryConflict,
	CodeTaskTerminal:     CategoryConflict,
	CodeInvalidPayload:   CategoryBadRequest,
	CodeInvalidArgument:  CategoryBadRequest,
	CodeQueueFull:        CategoryUnavailable,
	CodeRateLimited:      CategoryRateLimited,
	CodeAgentNotFound:    CategoryInternal,
	CodeAgentTimeout:     CategoryTimeout,
	CodePoolBusy:         CategoryUnavailable,
	CodeStoreUnavailable: CategoryUnavailable,
	CodeConfigInvalid:    CategoryBadRequest,
	CodeDaemonRunning:    CategoryConflict,
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
	case CategoryRateLimited:
		return 429
	default:
		return 500
	}
}

// FabError is the structured error type for fab.
type FabError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *FabError) Error() string {
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
func (e *FabError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *FabError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *FabError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *FabError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *FabError) MarshalJSON() ([]byte, error) {
	type alias FabError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a FabError with the same code.
func (e *FabError) Is(target error) bool {
	t, ok := target.(*FabError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *FabError) WithCause(err error) *FabError {
	return &FabError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *FabError {
	return &FabError{
		Code:    CodeTaskNotFound,
		What:    fmt.Sprintf("task %s not found", id),
		Why:     "No task with this ID exists in the store",
		Fix:     "List tasks with GET /api/tasks to find a valid ID",
		DocsURL: "https://github.com/randalmurphal/fab#tasks",
	}
}

// ErrTaskExists returns an error when a task ID collides on insert.
func ErrTaskExists(id string) *FabError {
	return &FabError{
		Code:    CodeTaskExists,
		What:    fmt.Sprintf("task %s already exists", id),
		Why:     "A task with this ID is already persisted",
		Fix:     "Submit without an ID so the queue mints a fresh one",
		DocsURL: "https://github.com/randalmurphal/fab#tasks",
	}
}

// ErrTaskConflict returns an error when a status transition precondition fails.
func ErrTaskConflict(id, current, expected string) *FabError {
	return &FabError{
		Code:    CodeTaskConflict,
		What:    fmt.Sprintf("task %s is %s, expected %s", id, current, expected),
		Why:     "The status changed since this operation was decided; another actor won the race",
		Fix:     "Re-read the task with GET /api/tasks/{id} and act on its current status",
		DocsURL: "https://github.com/randalmurphal/fab#task-lifecycle",
	}
}

// ErrTaskTerminal returns an error when acting on a finished task.
func ErrTaskTerminal(id, status string) *FabError {
	return &FabError{
		Code:    CodeTaskTerminal,
		What:    fmt.Sprintf("task %s is already %s", id, status),
		Why:     "Terminal tasks cannot be cancelled or transitioned further",
		Fix:     "Submit a new task if the work needs to run again",
		DocsURL: "https://github.com/randalmurphal/fab#task-lifecycle",
	}
}

// ErrInvalidPayload returns an error for a submission that fails validation.
func ErrInvalidPayload(detail string) *FabError {
	return &FabError{
		Code:    CodeInvalidPayload,
		What:    "invalid task payload",
		Why:     detail,
		Fix:     "Check the required payload fields for the workflow kind and resubmit",
		DocsURL: "https://github.com/randalmurphal/fab#submitting-tasks",
	}
}

// ErrInvalidArgument returns an error for a bad request parameter.
func ErrInvalidArgument(param, reason string) *FabError {
	return &FabError{
		Code:    CodeInvalidArgument,
		What:    fmt.Sprintf("invalid %s", param),
		Why:     reason,
		Fix:     "Correct the parameter and retry the request",
		DocsURL: "https://github.com/randalmurphal/fab#api",
	}
}

// ErrQueueFull returns an error when admission control rejects a submission.
func ErrQueueFull(depth, max int) *FabError {
	return &FabError{
		Code:    CodeQueueFull,
		What:    "task queue is full",
		Why:     fmt.Sprintf("%d tasks are queued, at or above the limit of %d", depth, max),
		Fix:     "Retry later, or raise queue.max_depth in the config",
		DocsURL: "https://github.com/randalmurphal/fab#backpressure",
	}
}

// ErrRateLimited returns an error when the submission limiter rejects a request.
func ErrRateLimited() *FabError {
	return &FabError{
		Code:    CodeRateLimited,
		What:    "too many submissions",
		Why:     "The submission rate limit was exceeded",
		Fix:     "Back off and retry, or raise api.submit_rate in the config",
		DocsURL: "https://github.com/randalmurphal/fab#backpressure",
	}
}

// ErrAgentNotFound returns an error when a phase names an unregistered agent.
func ErrAgentNotFound(name string) *FabError {
	return &FabError{
		Code:    CodeAgentNotFound,
		What:    fmt.Sprintf("agent %q is not registered", name),
		Why:     "The workflow references an agent name absent from the registry",
		Fix:     "Add the agent to the agents section of .fab/config.yaml and reload",
		DocsURL: "https://github.com/randalmurphal/fab#agents",
	}
}

// ErrAgentTimeout returns an error when an agent exceeds its deadline.
func ErrAgentTimeout(agent, phase, timeout string) *FabError {
	return &FabError{
		Code:    CodeAgentTimeout,
		What:    fmt.Sprintf("agent %s timed out during %s", agent, phase),
		Why:     fmt.Sprintf("No result within %s", timeout),
		Fix:     "Raise the phase timeout in the config, or investigate the agent",
		DocsURL: "https://github.com/randalmurphal/fab#timeouts",
	}
}

// ErrPoolBusy returns an error when the executor pool has no free slot.
func ErrPoolBusy(max int) *FabError {
	return &FabError{
		Code:    CodePoolBusy,
		What:    "executor pool is at capacity",
		Why:     fmt.Sprintf("All %d executor slots are busy", max),
		Fix:     "The claim will be retried on the next poll; raise --max-concurrent to run more in parallel",
		DocsURL: "https://github.com/randalmurphal/fab#concurrency",
	}
}

// ErrStoreUnavailable returns an error when the store cannot be reached.
func ErrStoreUnavailable(cause error) *FabError {
	return &FabError{
		Code:    CodeStoreUnavailable,
		What:    "task store is unavailable",
		Why:     "Reads or writes against the store keep failing after retries",
		Fix:     "Check the store path, disk space, and file permissions",
		DocsURL: "https://github.com/randalmurphal/fab#storage",
		Cause:   cause,
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *FabError {
	return &FabError{
		Code:    CodeConfigInvalid,
		What:    fmt.Sprintf("invalid configuration: %s", field),
		Why:     reason,
		Fix:     "Check .fab/config.yaml and fix the invalid field",
		DocsURL: "https://github.com/randalmurphal/fab#configuration",
	}
}

// ErrDaemonRunning returns an error when another daemon owns the store.
func ErrDaemonRunning(pid int, path string) *FabError {
	return &FabError{
		Code:    CodeDaemonRunning,
		What:    "another fab daemon is already running",
		Why:     fmt.Sprintf("Process %d holds the guard file next to %s", pid, path),
		Fix:     "Stop the other daemon, or point --store-path at a different store",
		DocsURL: "https://github.com/randalmurphal/fab#running",
	}
}

// AsFabError attempts to convert an error to a FabError.
// Returns nil if the error is not a FabError.
func AsFabError(err error) *FabError {
	var fabErr *FabError
	if As(err, &fabErr) {
		return fabErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// IsCode reports whether err is (or wraps) a FabError with the given code.
func IsCode(err error, code Code) bool {
	fabErr := AsFabError(err)
	return fabErr != nil && fabErr.Code == code
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if fabErr, ok := err.(*FabError); ok {
		if t, ok := target.(**FabError); ok {
			*t = fabErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a FabError with unknown code.
func Wrap(err error, what string) *FabError {
	return &FabError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
