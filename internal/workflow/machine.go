package workflow

import (
	"fmt"
	"time"

	"github.com/randalmurphal/fab/internal/task"
)

// ActionKind discriminates the machine's decisions.
type ActionKind string

const (
	// ActionInvoke runs the current phase's agent.
	ActionInvoke ActionKind = "invoke"
	// ActionTransition moves to a new phase without invoking anything.
	ActionTransition ActionKind = "transition"
	// ActionTerminate ends the workflow with a final task status.
	ActionTerminate ActionKind = "terminate"
)

// Action is the machine's decision for what the executor does next.
type Action struct {
	Kind ActionKind

	// Phase is the phase to invoke (ActionInvoke) or enter
	// (ActionTransition).
	Phase task.Phase

	// Agent and Timeout describe the invocation for ActionInvoke.
	Agent   string
	Timeout time.Duration

	// Retry marks a transition that re-enters a phase and consumes its
	// retry budget.
	Retry bool

	// Status is the final task status for ActionTerminate.
	Status task.Status

	// Reason explains failure transitions and terminations.
	Reason string
}

// Next computes the executor's next step. The state is the task's current
// workflow record; last is the result of the invocation that just
// finished, or nil when the current phase has not been invoked since it
// was entered. Next never mutates its inputs.
func Next(def *Definition, state task.WorkflowState, last *task.PhaseResult) Action {
	phase := state.CurrentPhase

	switch phase {
	case task.PhaseComplete:
		return Action{Kind: ActionTerminate, Status: task.StatusCompleted}
	case task.PhaseFailed:
		return Action{Kind: ActionTerminate, Status: task.StatusFailed, Reason: state.FailureReason}
	}

	spec, ok := def.Spec(phase)
	if !ok {
		return Action{
			Kind:   ActionTerminate,
			Status: task.StatusFailed,
			Reason: fmt.Sprintf("workflow %s has no phase %s", def.Kind, phase),
		}
	}

	if last == nil {
		return Action{
			Kind:    ActionInvoke,
			Phase:   phase,
			Agent:   spec.Agent,
			Timeout: spec.Timeout,
		}
	}

	// A result carrying both a success status and an error is a failure.
	if !last.Failed() {
		return Action{Kind: ActionTransition, Phase: spec.OnSuccess}
	}

	target := spec.OnFailure
	if target.IsTerminal() {
		return Action{Kind: ActionTransition, Phase: target, Reason: last.Error}
	}

	// Retry edge. The budget is tracked on the re-entered phase so that
	// failures from different phases share one bound.
	if state.Retries(target) >= def.MaxRetries {
		return Action{
			Kind:   ActionTransition,
			Phase:  task.PhaseFailed,
			Reason: fmt.Sprintf("%s retry limit (%d) reached", target, def.MaxRetries),
		}
	}
	return Action{Kind: ActionTransition, Phase: target, Retry: true, Reason: last.Error}
}
