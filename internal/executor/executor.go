// Package executor drives one claimed task through its workflow: consult
// the machine, invoke agents, persist state after every step, and finalize
// through the queue. Phases inside a task run strictly sequentially; the
// store is the only shared state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/fab/internal/agent"
	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/events"
	"github.com/randalmurphal/fab/internal/metrics"
	"github.com/randalmurphal/fab/internal/queue"
	"github.com/randalmurphal/fab/internal/storage"
	"github.com/randalmurphal/fab/internal/task"
	"github.com/randalmurphal/fab/internal/workflow"
)

// RegistrySource yields the current agent registry. The daemon swaps
// registries on reload, so executors resolve agents per invocation.
type RegistrySource func() *agent.Registry

// Executor runs claimed tasks to a terminal status.
type Executor struct {
	store  *storage.Store
	queue  *queue.Queue
	agents RegistrySource
	pub    events.Publisher
	logger *slog.Logger
}

// New creates an executor.
func New(store *storage.Store, q *queue.Queue, agents RegistrySource, pub events.Publisher, logger *slog.Logger) *Executor {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  store,
		queue:  q,
		agents: agents,
		pub:    pub,
		logger: logger,
	}
}

// Run drives one claimed task until it terminates and reports how the run
// ended: the terminal status it finalized, or StatusRunning when the task
// was deliberately left in place. The latter happens when ctx is cancelled
// (daemon shutdown: the next startup's recovery sweep re-queues it) or when
// the store becomes unreachable (same recovery path).
//
// The loop per iteration: reload the authoritative task, honor a pending
// cancellation, ask the machine for the next action, dispatch it, persist
// the workflow state. Cancellation is only observed here, at phase
// boundaries; in-flight agent calls run to their own timeout.
func (e *Executor) Run(ctx context.Context, claimed *task.Task) task.Status {
	logger := e.logger.With("task_id", claimed.ID, "kind", claimed.Kind, "worker_id", claimed.WorkerID)

	def, ok := e.queue.Definitions().Lookup(claimed.Kind)
	if !ok {
		logger.Error("no workflow definition for claimed task")
		e.finalize(ctx, claimed, logger, task.StatusFailed, fmt.Sprintf("unknown workflow kind %q", claimed.Kind))
		return task.StatusFailed
	}

	cur := claimed.Clone()
	start := time.Now()
	var last *task.PhaseResult

	for {
		if ctx.Err() != nil {
			logger.Info("shutdown at phase boundary, leaving task for recovery", "phase", cur.Phase())
			return task.StatusRunning
		}

		authoritative, err := e.store.Get(ctx, cur.ID)
		if err != nil {
			logger.Error("abandoning task, store unreachable", "error", err)
			return task.StatusRunning
		}
		if authoritative.Status != task.StatusRunning {
			logger.Warn("task no longer running, stopping", "status", authoritative.Status)
			return authoritative.Status
		}
		if authoritative.CancelRequested {
			logger.Info("cancellation observed at phase boundary", "phase", cur.Phase())
			e.finalize(ctx, cur, logger, task.StatusFailed, "cancelled")
			metrics.TaskDuration.Observe(time.Since(start).Seconds())
			return task.StatusFailed
		}

		action := workflow.Next(def, cur.Workflow, last)
		switch action.Kind {
		case workflow.ActionInvoke:
			reg, err := e.agents().Resolve(action.Agent)
			if err != nil {
				logger.Error("phase references unregistered agent", "phase", action.Phase, "agent", action.Agent)
				e.finalize(ctx, cur, logger, task.StatusFailed, fmt.Sprintf("agent %q is not registered", action.Agent))
				return task.StatusFailed
			}
			res := e.invoke(ctx, cur, reg, action)
			if res == nil {
				logger.Info("shutdown severed agent invocation, leaving task for recovery", "phase", action.Phase)
				return task.StatusRunning
			}
			cur.Workflow.RecordResult(action.Phase, *res)
			if err := e.persist(ctx, cur, logger); err != nil {
				return task.StatusRunning
			}
			last = res

		case workflow.ActionTransition:
			if action.Retry {
				n := cur.Workflow.BumpRetry(action.Phase)
				metrics.TaskRetries.Inc()
				logger.Info("granting rework", "phase", action.Phase, "retry", n, "reason", action.Reason)
			}
			if action.Phase == task.PhaseFailed {
				cur.Workflow.FailureReason = action.Reason
			}
			cur.Workflow.Enter(action.Phase)
			if err := e.persist(ctx, cur, logger); err != nil {
				return task.StatusRunning
			}
			last = nil

		case workflow.ActionTerminate:
			e.finalize(ctx, cur, logger, action.Status, action.Reason)
			metrics.TaskDuration.Observe(time.Since(start).Seconds())
			return action.Status
		}
	}
}

// invoke runs one agent call under the effective timeout and normalizes the
// outcome into a phase result. The deadline is enforced here, not just
// through the context: an agent that ignores cancellation keeps running on
// its goroutine, but the executor records the timeout at the wall clock and
// moves on, dropping whatever the orphaned call eventually returns. A nil
// return means the pool context was cancelled mid-call and the task should
// be left as is.
func (e *Executor) invoke(ctx context.Context, t *task.Task, reg agent.Registration, action workflow.Action) *task.PhaseResult {
	timeout := action.Timeout
	if reg.Timeout > 0 {
		timeout = reg.Timeout
	}
	retries := t.Workflow.Retries(action.Phase)

	e.publishPhase(t.ID, events.PhaseUpdate{
		Phase:   string(action.Phase),
		Status:  "started",
		Agent:   reg.Name,
		Retries: retries,
	})

	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type agentReturn struct {
		res agent.Result
		err error
	}
	started := time.Now()
	returned := make(chan agentReturn, 1)
	go func() {
		res, err := reg.Agent.Execute(invokeCtx, agent.Input{
			TaskID:       t.ID,
			Phase:        action.Phase,
			Payload:      t.Payload,
			PriorResults: t.Workflow.PhaseResults,
		})
		returned <- agentReturn{res: res, err: err}
	}()

	var ret agentReturn
	deadlined := false
	select {
	case ret = <-returned:
	case <-invokeCtx.Done():
		if ctx.Err() != nil {
			return nil
		}
		deadlined = true
	}
	elapsed := time.Since(started)

	pr := task.PhaseResult{
		Agent:      reg.Name,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	outcome := "success"
	switch {
	case deadlined || errors.Is(ret.err, context.DeadlineExceeded):
		pr.Status = task.ResultFailure
		pr.Error = fmt.Sprintf("timeout after %s", timeout)
		outcome = "timeout"
	case ret.err == nil:
		pr.Status = ret.res.Status
		pr.Data = ret.res.Data
		pr.Error = ret.res.Error
		if pr.Failed() {
			outcome = "failure"
		}
	case ctx.Err() != nil:
		return nil
	default:
		pr.Status = task.ResultFailure
		pr.Error = ret.err.Error()
		outcome = "failure"
	}

	metrics.PhaseRuns.WithLabelValues(string(action.Phase), outcome).Inc()
	metrics.PhaseDuration.WithLabelValues(string(action.Phase)).Observe(elapsed.Seconds())

	status := "success"
	if pr.Failed() {
		status = "failure"
	}
	e.publishPhase(t.ID, events.PhaseUpdate{
		Phase:   string(action.Phase),
		Status:  status,
		Agent:   reg.Name,
		Retries: retries,
		Error:   pr.Error,
	})
	return &pr
}

// persist writes the workflow state back. Store-level retries have already
// run by the time an error surfaces, so the executor aborts and leaves the
// task for the recovery sweep.
func (e *Executor) persist(ctx context.Context, t *task.Task, logger *slog.Logger) error {
	if err := e.store.UpdateWorkflow(ctx, t.ID, t.Workflow); err != nil {
		logger.Error("abandoning task, workflow persist failed", "error", err)
		return err
	}
	return nil
}

// finalize moves the task to its terminal status through the queue. A
// conflict means someone else finalized first (cancel races finalization);
// that is logged and swallowed.
func (e *Executor) finalize(ctx context.Context, t *task.Task, logger *slog.Logger, status task.Status, reason string) {
	var err error
	switch status {
	case task.StatusCompleted:
		_, err = e.queue.Complete(ctx, t.ID, summarize(t))
	default:
		_, err = e.queue.Fail(ctx, t.ID, reason)
	}
	switch {
	case err == nil:
		logger.Info("task finalized", "status", status, "reason", reason)
	case faberrors.IsCode(err, faberrors.CodeTaskConflict):
		logger.Info("task already finalized elsewhere", "status", status)
	default:
		logger.Error("finalize failed, leaving task for recovery", "status", status, "error", err)
	}
}

// summarize builds the completion result from the workflow state.
func summarize(t *task.Task) map[string]any {
	total := 0
	for _, n := range t.Workflow.RetryCounts {
		total += n
	}
	return map[string]any{
		"phases_completed": len(t.Workflow.PhaseResults),
		"retries":          total,
	}
}

func (e *Executor) publishPhase(taskID string, update events.PhaseUpdate) {
	typ := events.EventPhaseCompleted
	if update.Status == "started" {
		typ = events.EventPhaseStarted
	}
	e.pub.Publish(events.NewEvent(typ, taskID, update))
}
