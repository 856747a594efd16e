// Package agent defines the handler contract for workflow phases and the
// registry the daemon resolves them from. Agents are opaque blocking calls:
// they receive the task's payload plus prior phase results and report a
// success or failure outcome. Handlers must be idempotent under repeat
// invocation with the same input; the daemon re-invokes after crashes and
// retries.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/task"
)

// Input is what an agent receives for one phase invocation.
type Input struct {
	// TaskID identifies the task being worked.
	TaskID string `json:"task_id"`

	// Phase is the workflow phase this invocation serves.
	Phase task.Phase `json:"phase"`

	// Payload is the task's submission payload, verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`

	// PriorResults carries the latest result of every phase entered so
	// far, including failed attempts the agent may need to rework.
	PriorResults map[task.Phase]task.PhaseResult `json:"prior_results,omitempty"`
}

// Result is what an agent reports back.
type Result struct {
	// Status is "success" or "failure".
	Status task.ResultStatus `json:"status"`

	// Data carries phase artifacts (test file paths, PR ids, deploy URLs).
	Data map[string]any `json:"data,omitempty"`

	// Error is the failure message when Status is "failure".
	Error string `json:"error,omitempty"`
}

// Agent executes one workflow phase. Implementations must respect ctx
// cancellation within a reasonable bound.
type Agent interface {
	Execute(ctx context.Context, in Input) (Result, error)
}

// Func adapts an in-process function to the Agent interface.
type Func func(ctx context.Context, in Input) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Registration binds a name to an agent, with an optional timeout override.
type Registration struct {
	// Name is the name workflow definitions reference.
	Name string

	// Agent is the handler.
	Agent Agent

	// Timeout overrides the phase timeout when positive. Zero means the
	// invoking phase's timeout applies.
	Timeout time.Duration
}

// Registry maps agent names to registrations. It is immutable after
// construction; reloads build a fresh registry and swap it whole.
type Registry struct {
	agents map[string]Registration
}

// NewRegistry builds a registry from the given registrations. Empty names,
// nil handlers, and duplicates are configuration errors.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{agents: make(map[string]Registration, len(regs))}
	for _, reg := range regs {
		if reg.Name == "" {
			return nil, faberrors.ErrConfigInvalid("agents", "agent with empty name")
		}
		if reg.Agent == nil {
			return nil, faberrors.ErrConfigInvalid("agents", fmt.Sprintf("agent %q has no handler", reg.Name))
		}
		if reg.Timeout < 0 {
			return nil, faberrors.ErrConfigInvalid("agents", fmt.Sprintf("agent %q has negative timeout", reg.Name))
		}
		if _, dup := r.agents[reg.Name]; dup {
			return nil, faberrors.ErrConfigInvalid("agents", fmt.Sprintf("duplicate agent %q", reg.Name))
		}
		r.agents[reg.Name] = reg
	}
	return r, nil
}

// Resolve returns the registration for a name.
func (r *Registry) Resolve(name string) (Registration, error) {
	reg, ok := r.agents[name]
	if !ok {
		return Registration{}, faberrors.ErrAgentNotFound(name)
	}
	return reg, nil
}

// Covers verifies every name resolves. The daemon calls this at startup
// with the union of agent names its workflow definitions reference.
func (r *Registry) Covers(names ...string) error {
	for _, name := range names {
		if _, ok := r.agents[name]; !ok {
			return faberrors.ErrAgentNotFound(name)
		}
	}
	return nil
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
