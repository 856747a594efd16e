// Package events provides event types and publishing infrastructure for fab.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Task lifecycle events

	// EventTaskQueued indicates a task was accepted into the queue.
	EventTaskQueued EventType = "task_queued"
	// EventTaskClaimed indicates an executor claimed a task.
	EventTaskClaimed EventType = "task_claimed"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task reached FAILED.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a queued task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskReleased indicates a running task was returned to the queue.
	EventTaskReleased EventType = "task_released"
	// EventCancelRequested indicates cancellation was requested for a
	// running task; the executor honors it at the next phase boundary.
	EventCancelRequested EventType = "cancel_requested"

	// Workflow events

	// EventPhaseStarted indicates an agent invocation began.
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted indicates an agent invocation finished.
	EventPhaseCompleted EventType = "phase_completed"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// TaskUpdate carries task-level event data.
type TaskUpdate struct {
	Status   string `json:"status"`
	Kind     string `json:"kind,omitempty"`
	Priority int    `json:"priority,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PhaseUpdate carries phase-level event data.
type PhaseUpdate struct {
	Phase   string `json:"phase"`
	Status  string `json:"status"` // started, success, failure
	Agent   string `json:"agent,omitempty"`
	Retries int    `json:"retries,omitempty"`
	Error   string `json:"error,omitempty"`
}
