// Package workflow decides what happens next in a task's lifecycle.
// It is a pure library: definitions describe each task kind's phase
// graph, and Next computes the executor's next step from workflow state
// alone. Nothing here touches storage or clocks.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/randalmurphal/fab/internal/task"
)

// KindFivePhaseTDD is the built-in test-first feature workflow.
const KindFivePhaseTDD = "five_phase_tdd"

// DefaultMaxRetries bounds phase re-entries per definition.
const DefaultMaxRetries = 3

// Default phase timeouts for the five-phase workflow.
const (
	DefaultTestGenTimeout  = 300 * time.Second
	DefaultCodeImplTimeout = 1800 * time.Second
	DefaultReviewTimeout   = 600 * time.Second
	DefaultDeployTimeout   = 900 * time.Second
	DefaultValidateTimeout = 600 * time.Second
)

// PhaseSpec describes one executable step of a definition.
type PhaseSpec struct {
	// Phase this spec governs.
	Phase task.Phase

	// Agent name resolved through the registry at invoke time.
	Agent string

	// Timeout bounds one agent invocation of this phase.
	Timeout time.Duration

	// OnSuccess is the phase entered when the agent reports success.
	OnSuccess task.Phase

	// OnFailure is the phase entered when the agent reports failure.
	// A non-terminal target makes this a retry edge, bounded by the
	// definition's MaxRetries on the target phase.
	OnFailure task.Phase
}

// Definition describes the workflow for one task kind.
type Definition struct {
	// Kind is the task discriminator selecting this definition.
	Kind string

	// MaxRetries bounds re-entries of any retry-target phase.
	MaxRetries int

	// RequiredFields are top-level payload fields a submission must carry.
	RequiredFields []string

	// Phases in execution order. The first is the entry phase.
	Phases []PhaseSpec
}

// Initial returns the entry phase for fresh tasks of this kind.
func (d *Definition) Initial() task.Phase {
	if len(d.Phases) == 0 {
		return task.PhaseFailed
	}
	return d.Phases[0].Phase
}

// Spec returns the phase spec governing the given phase.
func (d *Definition) Spec(phase task.Phase) (PhaseSpec, bool) {
	for _, ps := range d.Phases {
		if ps.Phase == phase {
			return ps, true
		}
	}
	return PhaseSpec{}, false
}

// Validate checks the definition is well-formed: every phase is unique
// and non-terminal, every edge lands on a declared phase or a terminal
// one, agents are named, and timeouts are positive.
func (d *Definition) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("definition has no kind")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("definition %s has no phases", d.Kind)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("definition %s: max retries must not be negative", d.Kind)
	}

	declared := make(map[task.Phase]bool, len(d.Phases))
	for _, ps := range d.Phases {
		if !task.IsValidPhase(ps.Phase) {
			return fmt.Errorf("definition %s: invalid phase %s", d.Kind, ps.Phase)
		}
		if ps.Phase.IsTerminal() {
			return fmt.Errorf("definition %s: terminal phase %s cannot have a spec", d.Kind, ps.Phase)
		}
		if declared[ps.Phase] {
			return fmt.Errorf("definition %s: duplicate phase %s", d.Kind, ps.Phase)
		}
		declared[ps.Phase] = true

		if ps.Agent == "" {
			return fmt.Errorf("definition %s: phase %s has no agent", d.Kind, ps.Phase)
		}
		if ps.Timeout <= 0 {
			return fmt.Errorf("definition %s: phase %s has no timeout", d.Kind, ps.Phase)
		}
	}

	for _, ps := range d.Phases {
		for _, target := range []task.Phase{ps.OnSuccess, ps.OnFailure} {
			if target.IsTerminal() {
				continue
			}
			if !declared[target] {
				return fmt.Errorf("definition %s: phase %s routes to undeclared phase %s", d.Kind, ps.Phase, target)
			}
		}
	}

	return nil
}

// Override returns a copy of the definition with deployment tuning
// applied: an optional retry budget and per-phase timeout replacements.
// Unknown phases and non-positive timeouts are ignored.
func (d *Definition) Override(maxRetries *int, timeouts map[task.Phase]time.Duration) *Definition {
	out := *d
	out.Phases = append([]PhaseSpec(nil), d.Phases...)
	if maxRetries != nil && *maxRetries >= 0 {
		out.MaxRetries = *maxRetries
	}
	for i := range out.Phases {
		if t, ok := timeouts[out.Phases[i].Phase]; ok && t > 0 {
			out.Phases[i].Timeout = t
		}
	}
	return &out
}

// Agents returns the distinct agent names the definition invokes.
func (d *Definition) Agents() []string {
	seen := make(map[string]bool)
	var names []string
	for _, ps := range d.Phases {
		if !seen[ps.Agent] {
			seen[ps.Agent] = true
			names = append(names, ps.Agent)
		}
	}
	sort.Strings(names)
	return names
}

// FivePhaseTDD returns the built-in feature workflow: generate end-to-end
// tests first, implement, review, deploy, validate against the generated
// tests. Review and validation failures send the task back to the coder.
func FivePhaseTDD() *Definition {
	return &Definition{
		Kind:           KindFivePhaseTDD,
		MaxRetries:     DefaultMaxRetries,
		RequiredFields: []string{"feature", "target_url"},
		Phases: []PhaseSpec{
			{Phase: task.PhaseE2ETestGen, Agent: "test-generator", Timeout: DefaultTestGenTimeout, OnSuccess: task.PhaseCodeImpl, OnFailure: task.PhaseFailed},
			{Phase: task.PhaseCodeImpl, Agent: "coder", Timeout: DefaultCodeImplTimeout, OnSuccess: task.PhaseReview, OnFailure: task.PhaseCodeImpl},
			{Phase: task.PhaseReview, Agent: "reviewer", Timeout: DefaultReviewTimeout, OnSuccess: task.PhaseDeploy, OnFailure: task.PhaseCodeImpl},
			{Phase: task.PhaseDeploy, Agent: "deployer", Timeout: DefaultDeployTimeout, OnSuccess: task.PhaseE2EValidate, OnFailure: task.PhaseFailed},
			{Phase: task.PhaseE2EValidate, Agent: "test-generator", Timeout: DefaultValidateTimeout, OnSuccess: task.PhaseComplete, OnFailure: task.PhaseCodeImpl},
		},
	}
}

// Registry holds the definitions the daemon serves, keyed by kind.
// It is immutable once built; configuration reloads swap whole registries.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry validates each definition and builds a registry.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.Kind]; dup {
			return nil, fmt.Errorf("duplicate definition %s", d.Kind)
		}
		r.defs[d.Kind] = d
	}
	return r, nil
}

// Lookup returns the definition for a kind.
func (r *Registry) Lookup(kind string) (*Definition, bool) {
	d, ok := r.defs[kind]
	return d, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
