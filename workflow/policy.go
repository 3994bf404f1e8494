package workflow

import (
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Policy is the timeout and retry behaviour of a step kind. A step's own
// Timeout and Retries take precedence.
type Policy struct {
	// Timeout bounds one attempt; zero means no limit.
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// DefaultPolicies returns the built-in per-kind policy table.
func DefaultPolicies() map[core.StepKind]Policy {
	return map[core.StepKind]Policy{
		core.StepAgentTask: {Timeout: 5 * time.Minute},
		core.StepParallel:  {},
		core.StepCondition: {Timeout: 5 * time.Second},
		core.StepLoop:      {},
		core.StepHTTP:      {Timeout: 30 * time.Second, Retries: 2, RetryDelay: time.Second},
		core.StepScript:    {Timeout: 10 * time.Second},
	}
}

func (e *Engine) policyFor(step core.Step) Policy {
	p := e.opts.Policies[step.Type]
	if step.Timeout > 0 {
		p.Timeout = step.Timeout
	}
	if step.Retries > 0 {
		p.Retries = step.Retries
	}
	return p
}
