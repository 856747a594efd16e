package task

import "time"

// WorkflowState is the embedded per-task workflow record. It tracks the
// current phase, the latest result per phase, and per-phase re-entry counts.
type WorkflowState struct {
	// CurrentPhase is the phase the workflow is in.
	CurrentPhase Phase `json:"current_phase"`

	// PhaseResults maps each entered phase to its latest result.
	PhaseResults map[Phase]PhaseResult `json:"phase_results,omitempty"`

	// RetryCounts maps each phase to the number of times it has been
	// re-entered. The first entry does not count.
	RetryCounts map[Phase]int `json:"retry_counts,omitempty"`

	// FailureReason records why the workflow entered the FAILED phase, so
	// the reason survives a crash between that transition and the final
	// status write.
	FailureReason string `json:"failure_reason,omitempty"`

	// LastTransitionAt is when the workflow last changed phase.
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// NewWorkflowState returns the initial workflow state for a fresh task.
func NewWorkflowState(initial Phase) WorkflowState {
	return WorkflowState{
		CurrentPhase:     initial,
		PhaseResults:     make(map[Phase]PhaseResult),
		RetryCounts:      make(map[Phase]int),
		LastTransitionAt: time.Now().UTC(),
	}
}

// RecordResult stores the latest result for a phase, replacing any earlier
// result from a prior entry of the same phase.
func (w *WorkflowState) RecordResult(phase Phase, result PhaseResult) {
	if w.PhaseResults == nil {
		w.PhaseResults = make(map[Phase]PhaseResult)
	}
	w.PhaseResults[phase] = result
}

// Retries returns the re-entry count for a phase.
func (w *WorkflowState) Retries(phase Phase) int {
	if w.RetryCounts == nil {
		return 0
	}
	return w.RetryCounts[phase]
}

// BumpRetry increments the re-entry count for a phase and returns the new count.
func (w *WorkflowState) BumpRetry(phase Phase) int {
	if w.RetryCounts == nil {
		w.RetryCounts = make(map[Phase]int)
	}
	w.RetryCounts[phase]++
	return w.RetryCounts[phase]
}

// Enter moves the workflow to the given phase and stamps the transition time.
func (w *WorkflowState) Enter(phase Phase) {
	w.CurrentPhase = phase
	w.LastTransitionAt = time.Now().UTC()
}
