package workflow

import "github.com/hupe1980/agentflow/core"

// Observer is notified about execution progress. Implementations must be
// fast; they run on the execution's goroutine.
type Observer interface {
	ExecutionStarted(exec *core.WorkflowExecution)
	// StepFinished is called for every step run, including parallel
	// children and loop iterations. key is the result key.
	StepFinished(executionID, key string, step core.Step, result core.StepResult)
	// ExecutionFinished is called once the execution reaches a terminal
	// status.
	ExecutionFinished(exec *core.WorkflowExecution)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStarted      func(exec *core.WorkflowExecution)
	OnStepFinished func(executionID, key string, step core.Step, result core.StepResult)
	OnFinished     func(exec *core.WorkflowExecution)
}

func (o ObserverFuncs) ExecutionStarted(exec *core.WorkflowExecution) {
	if o.OnStarted != nil {
		o.OnStarted(exec)
	}
}

func (o ObserverFuncs) StepFinished(executionID, key string, step core.Step, result core.StepResult) {
	if o.OnStepFinished != nil {
		o.OnStepFinished(executionID, key, step, result)
	}
}

func (o ObserverFuncs) ExecutionFinished(exec *core.WorkflowExecution) {
	if o.OnFinished != nil {
		o.OnFinished(exec)
	}
}

var _ Observer = ObserverFuncs{}
