package workflow

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hupe1980/agentflow/core"
)

var validate = validator.New()

// Event is the outcome of a step fed into the state machine.
type Event int

const (
	EventComplete Event = iota
	EventFail
)

// Transition is where the machine moves after a step. Exactly one of Next
// and Status is set.
type Transition struct {
	Next   string
	Status core.ExecutionStatus
}

// Machine is the compiled state machine of a definition. It is immutable
// and safe for concurrent use.
type Machine struct {
	def   *core.WorkflowDefinition
	steps map[string]core.Step
	entry string
}

// Compile validates def and builds its state machine over a private copy
// of it. Every step id must be unique, every kind known, and every
// reference (Next, OnSuccess, OnFailure and config step lists) must name a
// declared step. Parallel and loop steps must not contain themselves
// through any chain of nested steps.
func Compile(def *core.WorkflowDefinition) (*Machine, error) {
	if def == nil {
		return nil, core.NewValidationError("workflow.validate", "definition is required")
	}
	def = def.Clone()
	if err := validate.Struct(def); err != nil {
		return nil, &core.Error{Kind: core.ErrValidation, Op: "workflow.validate", Msg: fmt.Sprintf("workflow %s is invalid", def.ID), Err: err}
	}
	m := &Machine{def: def, steps: make(map[string]core.Step, len(def.Steps)), entry: def.Steps[0].ID}
	for _, s := range def.Steps {
		if _, dup := m.steps[s.ID]; dup {
			return nil, core.NewValidationError("workflow.validate", fmt.Sprintf("duplicate step id %q", s.ID))
		}
		if !s.Type.Valid() {
			return nil, core.NewValidationError("workflow.validate", fmt.Sprintf("step %s: unknown step type %q", s.ID, s.Type))
		}
		m.steps[s.ID] = s
	}
	nested := make(map[string][]string)
	for _, s := range def.Steps {
		refs, err := checkConfig(s)
		if err != nil {
			return nil, err
		}
		if s.Type == core.StepParallel || s.Type == core.StepLoop {
			nested[s.ID] = refs
		}
		refs = append(refs, s.Next...)
		if s.OnSuccess != "" {
			refs = append(refs, s.OnSuccess)
		}
		if s.OnFailure != "" {
			refs = append(refs, s.OnFailure)
		}
		for _, ref := range refs {
			if _, ok := m.steps[ref]; !ok {
				return nil, core.NewValidationError("workflow.validate", fmt.Sprintf("step %s references unknown step %q", s.ID, ref))
			}
		}
	}
	if err := checkNesting(def, nested); err != nil {
		return nil, err
	}
	return m, nil
}

// checkNesting rejects cycles in the parallel and loop containment graph.
func checkNesting(def *core.WorkflowDefinition, nested map[string][]string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(nested))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return core.NewValidationError("workflow.validate", fmt.Sprintf("step %s contains itself through %s", id, strings.Join(append(path, id), " -> ")))
		case done:
			return nil
		}
		state[id] = visiting
		path = append(append([]string(nil), path...), id)
		for _, child := range nested[id] {
			if err := visit(child, path); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range def.Steps {
		if err := visit(s.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Definition returns the compiled definition.
func (m *Machine) Definition() *core.WorkflowDefinition { return m.def }

// Entry returns the first step id.
func (m *Machine) Entry() string { return m.entry }

// Step returns a step by id.
func (m *Machine) Step(id string) (core.Step, bool) {
	s, ok := m.steps[id]
	return s, ok
}

// Fire returns the transition out of stepID. COMPLETE goes to branch when
// set, then OnSuccess, then the first Next, else the execution completes.
// FAIL goes to OnFailure, else the execution fails.
func (m *Machine) Fire(stepID string, ev Event, branch string) (Transition, error) {
	s, ok := m.steps[stepID]
	if !ok {
		return Transition{}, core.NewNotFoundError("step", stepID)
	}
	switch ev {
	case EventComplete:
		switch {
		case branch != "":
			return Transition{Next: branch}, nil
		case s.OnSuccess != "":
			return Transition{Next: s.OnSuccess}, nil
		case len(s.Next) > 0:
			return Transition{Next: s.Next[0]}, nil
		}
		return Transition{Status: core.ExecutionCompleted}, nil
	case EventFail:
		if s.OnFailure != "" {
			return Transition{Next: s.OnFailure}, nil
		}
		return Transition{Status: core.ExecutionFailed}, nil
	}
	return Transition{}, core.NewValidationError("workflow.fire", fmt.Sprintf("unknown event %d", ev))
}
