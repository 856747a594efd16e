// Package queue provides the durable priority task queue.
//
// The queue is a thin façade over the store: claims, completions, and
// cancellations are all store-level compare-and-set transitions, so any
// number of executors can race on the same database without an
// in-memory mirror to drift out of sync.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/events"
	"github.com/randalmurphal/fab/internal/metrics"
	"github.com/randalmurphal/fab/internal/storage"
	"github.com/randalmurphal/fab/internal/task"
	"github.com/randalmurphal/fab/internal/workflow"
)

// claimWindow is how many queued candidates one Claim attempt walks
// before giving up. Races on the head of the queue fall through to the
// next candidate.
const claimWindow = 5

// Queue accepts, hands out, and finalizes tasks.
type Queue struct {
	store    *storage.Store
	defs     *workflow.Registry
	pub      events.Publisher
	maxDepth int
	logger   *slog.Logger
}

// New creates a queue. maxDepth bounds the number of QUEUED tasks
// accepted at once; zero means unbounded.
func New(store *storage.Store, defs *workflow.Registry, pub events.Publisher, maxDepth int, logger *slog.Logger) *Queue {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    store,
		defs:     defs,
		pub:      pub,
		maxDepth: maxDepth,
		logger:   logger,
	}
}

// Enqueue validates a submission, mints an id, and persists the task as
// QUEUED in its workflow's entry phase.
func (q *Queue) Enqueue(ctx context.Context, kind string, priority int, payload json.RawMessage) (*task.Task, error) {
	def, ok := q.defs.Lookup(kind)
	if !ok {
		return nil, faberrors.ErrInvalidArgument("kind", fmt.Sprintf("unknown kind %q", kind))
	}

	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return nil, faberrors.ErrInvalidPayload("payload is not valid JSON")
	}
	for _, field := range def.RequiredFields {
		if !gjson.GetBytes(payload, field).Exists() {
			return nil, faberrors.ErrInvalidPayload(fmt.Sprintf("missing required field %q", field))
		}
	}

	if q.maxDepth > 0 {
		counts, err := q.store.CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		if depth := counts[task.StatusQueued]; depth >= q.maxDepth {
			return nil, faberrors.ErrQueueFull(depth, q.maxDepth)
		}
	}

	t := task.New(uuid.NewString(), kind, priority, payload, def.Initial())
	if err := q.store.Put(ctx, t); err != nil {
		return nil, err
	}

	metrics.TasksSubmitted.WithLabelValues(kind).Inc()
	q.logger.Info("task queued", "task", t.ID, "kind", kind, "priority", priority)
	q.pub.Publish(events.NewEvent(events.EventTaskQueued, t.ID, events.TaskUpdate{
		Status:   string(t.Status),
		Kind:     kind,
		Priority: priority,
	}))
	return t, nil
}

// Claim hands the highest-priority queued task to a worker. The claim is
// a QUEUED→RUNNING compare-and-set; losing a race moves on to the next
// candidate. Returns nil with no error when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*task.Task, error) {
	candidates, _, err := q.store.List(ctx, storage.Filter{
		Status: task.StatusQueued,
		Limit:  claimWindow,
	})
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		claimed, err := q.store.Transition(ctx, candidate.ID,
			[]task.Status{task.StatusQueued}, task.StatusRunning,
			storage.WithWorkerID(workerID),
			storage.WithAttemptBump(),
			storage.WithClaimStamp(),
			storage.WithPhase(candidate.Phase()),
			storage.WithReason("claimed"),
		)
		if err != nil {
			// Another worker got there first, or the task was
			// cancelled out from under us.
			if faberrors.IsCode(err, faberrors.CodeTaskConflict) || faberrors.IsCode(err, faberrors.CodeTaskNotFound) {
				continue
			}
			return nil, err
		}

		q.logger.Info("task claimed", "task", claimed.ID, "worker", workerID, "attempt", claimed.Attempts)
		q.pub.Publish(events.NewEvent(events.EventTaskClaimed, claimed.ID, events.TaskUpdate{
			Status:   string(claimed.Status),
			Kind:     claimed.Kind,
			WorkerID: workerID,
		}))
		return claimed, nil
	}

	return nil, nil
}

// Complete finalizes a running task as COMPLETED with its result.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) (*task.Task, error) {
	t, err := q.store.Transition(ctx, id,
		[]task.Status{task.StatusRunning}, task.StatusCompleted,
		storage.WithWorkerCleared(),
		storage.WithCompletionStamp(),
		storage.WithResult(result),
		storage.WithReason("workflow complete"),
	)
	if err != nil {
		return nil, err
	}

	metrics.TasksFinished.WithLabelValues(string(task.StatusCompleted)).Inc()
	q.logger.Info("task completed", "task", id)
	q.pub.Publish(events.NewEvent(events.EventTaskCompleted, id, events.TaskUpdate{
		Status: string(t.Status),
		Kind:   t.Kind,
	}))
	return t, nil
}

// Fail finalizes a running task as FAILED with an error summary.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) (*task.Task, error) {
	t, err := q.store.Transition(ctx, id,
		[]task.Status{task.StatusRunning}, task.StatusFailed,
		storage.WithWorkerCleared(),
		storage.WithCompletionStamp(),
		storage.WithError(errMsg),
		storage.WithReason(errMsg),
	)
	if err != nil {
		return nil, err
	}

	metrics.TasksFinished.WithLabelValues(string(task.StatusFailed)).Inc()
	q.logger.Info("task failed", "task", id, "error", errMsg)
	q.pub.Publish(events.NewEvent(events.EventTaskFailed, id, events.TaskUpdate{
		Status: string(t.Status),
		Kind:   t.Kind,
		Error:  errMsg,
	}))
	return t, nil
}

// Release returns a running task to the queue, keeping its attempt count.
// Used when an executor cannot proceed (pool rejection, shutdown) and by
// the startup recovery sweep.
func (q *Queue) Release(ctx context.Context, id string) (*task.Task, error) {
	t, err := q.store.Transition(ctx, id,
		[]task.Status{task.StatusRunning}, task.StatusQueued,
		storage.WithWorkerCleared(),
		storage.WithReason("released"),
	)
	if err != nil {
		return nil, err
	}

	q.logger.Info("task released", "task", id, "attempts", t.Attempts)
	q.pub.Publish(events.NewEvent(events.EventTaskReleased, id, events.TaskUpdate{
		Status: string(t.Status),
		Kind:   t.Kind,
	}))
	return t, nil
}

// ReleaseAllRunning re-queues every RUNNING task. Called once at daemon
// startup: any task still RUNNING then belonged to a dead process.
func (q *Queue) ReleaseAllRunning(ctx context.Context) (int, error) {
	released := 0
	for {
		running, _, err := q.store.List(ctx, storage.Filter{
			Status: task.StatusRunning,
			Limit:  storage.DefaultListLimit,
		})
		if err != nil {
			return released, err
		}
		if len(running) == 0 {
			break
		}
		for _, t := range running {
			if _, err := q.Release(ctx, t.ID); err != nil {
				if faberrors.IsCode(err, faberrors.CodeTaskConflict) {
					continue
				}
				return released, err
			}
			released++
		}
	}

	if released > 0 {
		metrics.TasksRecovered.Add(float64(released))
		q.logger.Info("recovered orphaned tasks", "count", released)
	}
	return released, nil
}

// Cancel cancels a task. A QUEUED task transitions straight to CANCELLED.
// A RUNNING task gets a durable cancellation flag its executor honors at
// the next phase boundary; its status is unchanged here. Terminal tasks
// fail with TASK_TERMINAL.
func (q *Queue) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := q.store.Transition(ctx, id,
		[]task.Status{task.StatusQueued}, task.StatusCancelled,
		storage.WithCompletionStamp(),
		storage.WithReason("cancelled by request"),
	)
	if err == nil {
		metrics.TasksFinished.WithLabelValues(string(task.StatusCancelled)).Inc()
		q.logger.Info("task cancelled", "task", id)
		q.pub.Publish(events.NewEvent(events.EventTaskCancelled, id, events.TaskUpdate{
			Status: string(t.Status),
			Kind:   t.Kind,
		}))
		return t, nil
	}
	if !faberrors.IsCode(err, faberrors.CodeTaskConflict) {
		return nil, err
	}

	// Not QUEUED. Try the cooperative path for RUNNING tasks.
	if err := q.store.RequestCancel(ctx, id); err != nil {
		if faberrors.IsCode(err, faberrors.CodeTaskConflict) {
			current, getErr := q.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			if current.IsTerminal() {
				return nil, faberrors.ErrTaskTerminal(id, string(current.Status))
			}
		}
		return nil, err
	}

	q.logger.Info("task cancellation requested", "task", id)
	q.pub.Publish(events.NewEvent(events.EventCancelRequested, id, events.TaskUpdate{
		Status: string(task.StatusRunning),
	}))
	return q.store.Get(ctx, id)
}

// Stats returns task counts by status.
func (q *Queue) Stats(ctx context.Context) (map[task.Status]int, error) {
	return q.store.CountByStatus(ctx)
}

// Definitions returns the workflow registry backing the queue.
func (q *Queue) Definitions() *workflow.Registry {
	return q.defs
}
