package core

import (
	"encoding/json"
	"time"
)

// StepKind is the closed set of workflow step types.
type StepKind string

const (
	StepAgentTask StepKind = "agent-task"
	StepParallel  StepKind = "parallel"
	StepCondition StepKind = "condition"
	StepLoop      StepKind = "loop"
	StepHTTP      StepKind = "http"
	StepScript    StepKind = "script"
)

// StepKinds lists every supported step kind.
var StepKinds = []StepKind{StepAgentTask, StepParallel, StepCondition, StepLoop, StepHTTP, StepScript}

// Valid reports whether k is a supported step kind.
func (k StepKind) Valid() bool {
	for _, s := range StepKinds {
		if s == k {
			return true
		}
	}
	return false
}

// Step is one node of a workflow definition. Config is decoded by the
// executor for the step kind.
type Step struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Type      StepKind       `json:"type" yaml:"type" validate:"required"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Next      []string       `json:"next,omitempty" yaml:"next,omitempty"`
	OnSuccess string         `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure string         `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries   int            `json:"retries,omitempty" yaml:"retries,omitempty" validate:"gte=0"`
}

// WorkflowDefinition is a named step graph. The first step is the entry
// point. Definitions are immutable once registered.
type WorkflowDefinition struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Clone returns a deep copy of the definition, including step configs.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *d
	c.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		s.Next = append([]string(nil), s.Next...)
		if s.Config != nil {
			s.Config = cloneValue(s.Config).(map[string]any)
		}
		c.Steps[i] = s
	}
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution can no longer make progress.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepResult is the outcome of a single step execution.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts,omitempty"`
}

// LogLevel of an execution log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ExecutionLog is one append-only entry of an execution's log.
type ExecutionLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	StepID    string    `json:"step_id,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// WorkflowExecution is a single run of a workflow definition.
type WorkflowExecution struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      ExecutionStatus       `json:"status"`
	CurrentStep string                `json:"current_step,omitempty"`
	Variables   map[string]any        `json:"variables"`
	Results     map[string]StepResult `json:"results"`
	Logs        []ExecutionLog        `json:"logs,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     *time.Time            `json:"end_time,omitempty"`
}

// Clone returns a deep copy suitable for handing out of a lock.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	c := *e
	c.Variables = make(map[string]any, len(e.Variables))
	for k, v := range e.Variables {
		c.Variables[k] = v
	}
	c.Results = make(map[string]StepResult, len(e.Results))
	for k, v := range e.Results {
		c.Results[k] = v
	}
	c.Logs = append([]ExecutionLog(nil), e.Logs...)
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	return &c
}

// Outputs maps every step result to its output value.
func (e *WorkflowExecution) Outputs() map[string]any {
	out := make(map[string]any, len(e.Results))
	for k, r := range e.Results {
		out[k] = r.Output
	}
	return out
}

// Snapshot is a point-in-time serialized copy of an execution.
type Snapshot struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Timestamp   time.Time       `json:"timestamp"`
	State       json.RawMessage `json:"state"`
	Checksum    string          `json:"checksum"`
}
