package task

import "time"

// Phase represents one named step of a workflow.
type Phase string

const (
	PhaseE2ETestGen  Phase = "E2E_TEST_GEN"
	PhaseCodeImpl    Phase = "CODE_IMPL"
	PhaseReview      Phase = "REVIEW"
	PhaseDeploy      Phase = "DEPLOY"
	PhaseE2EValidate Phase = "E2E_VALIDATE"
	PhaseComplete    Phase = "COMPLETE"
	PhaseFailed      Phase = "FAILED"
)

// ValidPhases returns all valid phase values.
func ValidPhases() []Phase {
	return []Phase{
		PhaseE2ETestGen, PhaseCodeImpl, PhaseReview,
		PhaseDeploy, PhaseE2EValidate, PhaseComplete, PhaseFailed,
	}
}

// IsValidPhase returns true if the phase is a valid phase value.
func IsValidPhase(p Phase) bool {
	switch p {
	case PhaseE2ETestGen, PhaseCodeImpl, PhaseReview,
		PhaseDeploy, PhaseE2EValidate, PhaseComplete, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the phase ends the workflow.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// ResultStatus is the outcome an agent reports for a phase.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// PhaseResult is the record an agent produces for one phase invocation.
type PhaseResult struct {
	// Status is the agent's reported outcome.
	Status ResultStatus `json:"status"`

	// Data carries phase artifacts (PR id, deployment URL, test report).
	Data map[string]any `json:"data,omitempty"`

	// Error is the agent's failure message, if any.
	Error string `json:"error,omitempty"`

	// Agent is the name of the agent that produced this result.
	Agent string `json:"agent,omitempty"`

	// StartedAt is when the invocation began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the invocation returned.
	FinishedAt time.Time `json:"finished_at"`
}

// Failed reports whether the result counts as a failure. A result that
// claims success but still carries an error message counts as a failure.
func (r PhaseResult) Failed() bool {
	return r.Status != ResultSuccess || r.Error != ""
}
