package testutil

import (
	"time"

	"github.com/hupe1980/agentflow/core"
)

// WorkflowBuilder assembles workflow definitions step by step.
// Example:
//
//	def := NewWorkflowBuilder("wf").Script("a", src).Script("b", src).Chain().Build()
type WorkflowBuilder struct {
	def core.WorkflowDefinition
}

// NewWorkflowBuilder starts a definition with the given id.
func NewWorkflowBuilder(id string) *WorkflowBuilder {
	return &WorkflowBuilder{def: core.WorkflowDefinition{ID: id, Name: id}}
}

// Step appends a step of any kind.
func (b *WorkflowBuilder) Step(id string, kind core.StepKind, config map[string]any) *WorkflowBuilder {
	b.def.Steps = append(b.def.Steps, core.Step{ID: id, Type: kind, Config: config})
	return b
}

// Script appends a script step.
func (b *WorkflowBuilder) Script(id, source string) *WorkflowBuilder {
	return b.Step(id, core.StepScript, map[string]any{"source": source})
}

// Condition appends a condition step.
func (b *WorkflowBuilder) Condition(id, expression, then, els string) *WorkflowBuilder {
	return b.Step(id, core.StepCondition, map[string]any{"expression": expression, "then": then, "else": els})
}

// HTTP appends a GET http step.
func (b *WorkflowBuilder) HTTP(id, url string) *WorkflowBuilder {
	return b.Step(id, core.StepHTTP, map[string]any{"url": url})
}

// Next links the last step to next.
func (b *WorkflowBuilder) Next(next ...string) *WorkflowBuilder {
	b.last().Next = append(b.last().Next, next...)
	return b
}

// OnFailure sets the failure successor of the last step.
func (b *WorkflowBuilder) OnFailure(id string) *WorkflowBuilder {
	b.last().OnFailure = id
	return b
}

// Timeout sets the timeout of the last step.
func (b *WorkflowBuilder) Timeout(d time.Duration) *WorkflowBuilder {
	b.last().Timeout = d
	return b
}

// Retries sets the retry count of the last step.
func (b *WorkflowBuilder) Retries(n int) *WorkflowBuilder {
	b.last().Retries = n
	return b
}

// Chain links every step without a successor to the step declared after it.
func (b *WorkflowBuilder) Chain() *WorkflowBuilder {
	for i := 0; i+1 < len(b.def.Steps); i++ {
		s := &b.def.Steps[i]
		if len(s.Next) == 0 && s.OnSuccess == "" {
			s.Next = []string{b.def.Steps[i+1].ID}
		}
	}
	return b
}

// Build returns the definition.
func (b *WorkflowBuilder) Build() *core.WorkflowDefinition {
	def := b.def
	def.Steps = append([]core.Step(nil), b.def.Steps...)
	return &def
}

func (b *WorkflowBuilder) last() *core.Step {
	return &b.def.Steps[len(b.def.Steps)-1]
}
