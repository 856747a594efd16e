package task

import (
	"encoding/json"
	"time"
)

// DefaultPriority is the mid-range priority assigned when a submission
// does not specify one.
const DefaultPriority = 5

// Task represents one submitted unit of work with a durable lifecycle.
type Task struct {
	// ID is the unique opaque identifier, minted at submission.
	ID string `json:"id"`

	// Kind selects the workflow definition driving this task.
	Kind string `json:"kind"`

	// Priority orders claims; higher claims earlier.
	Priority int `json:"priority"`

	// Payload is the workflow-specific input, verbatim as submitted.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Attempts counts how many times a worker has claimed this task.
	Attempts int `json:"attempts"`

	// WorkerID identifies the executor currently owning the task, if any.
	WorkerID string `json:"worker_id,omitempty"`

	// CancelRequested marks a cooperative cancellation the owning executor
	// honors at the next phase boundary.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Workflow is the embedded workflow-state record.
	Workflow WorkflowState `json:"workflow"`

	// Result is the final summary once the task completes.
	Result map[string]any `json:"result,omitempty"`

	// Error is the human-readable failure summary once the task fails.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`

	// ClaimedAt is when the current (or last) claim happened.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// UpdatedAt is when any field last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a queued task with the given identity and input. The caller
// mints the ID and chooses the initial workflow phase.
func New(id, kind string, priority int, payload json.RawMessage, initial Phase) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Kind:      kind,
		Priority:  priority,
		Payload:   payload,
		Status:    StatusQueued,
		Workflow:  NewWorkflowState(initial),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Phase returns the workflow's current phase.
func (t *Task) Phase() Phase {
	return t.Workflow.CurrentPhase
}

// Clone returns a deep copy of the task. Executors mutate clones so the
// store stays the single source of truth.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	c.Workflow.PhaseResults = make(map[Phase]PhaseResult, len(t.Workflow.PhaseResults))
	for k, v := range t.Workflow.PhaseResults {
		c.Workflow.PhaseResults[k] = v
	}
	c.Workflow.RetryCounts = make(map[Phase]int, len(t.Workflow.RetryCounts))
	for k, v := range t.Workflow.RetryCounts {
		c.Workflow.RetryCounts[k] = v
	}
	return &c
}
