package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Duration accepts "1.5s" style strings or numbers of milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x * float64(time.Millisecond)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// AgentTaskConfig configures an agent-task step.
type AgentTaskConfig struct {
	// Goal is a template rendered against variables and results.
	Goal           string            `json:"goal"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Priority       core.GoalPriority `json:"priority,omitempty"`
	PollInterval   Duration          `json:"pollInterval,omitempty"`
	OutputVariable string            `json:"outputVariable,omitempty"`
}

// ParallelConfig configures a parallel step.
type ParallelConfig struct {
	Steps            []string `json:"steps"`
	MaxConcurrency   int      `json:"maxConcurrency,omitempty"`
	TolerateFailures bool     `json:"tolerateFailures,omitempty"`
}

// ConditionConfig configures a condition step.
type ConditionConfig struct {
	Expression string `json:"expression"`
	Then       string `json:"then,omitempty"`
	Else       string `json:"else,omitempty"`
}

// LoopConfig configures a loop step.
type LoopConfig struct {
	Body           string `json:"body"`
	Condition      string `json:"condition,omitempty"`
	BreakCondition string `json:"breakCondition,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty"`
}

// HTTPConfig configures an http step.
type HTTPConfig struct {
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	RetryDelay     Duration          `json:"retryDelay,omitempty"`
	OutputVariable string            `json:"outputVariable,omitempty"`
}

// ScriptConfig configures a script step.
type ScriptConfig struct {
	Source         string `json:"source"`
	OutputVariable string `json:"outputVariable,omitempty"`
}

// DefaultMaxIterations bounds a loop without maxIterations.
const DefaultMaxIterations = 100

// decodeConfig maps a step's free-form config onto the kind's config
// struct through its JSON form.
func decodeConfig[T any](step core.Step) (T, error) {
	var cfg T
	if len(step.Config) == 0 {
		return cfg, nil
	}
	b, err := json.Marshal(step.Config)
	if err != nil {
		return cfg, core.NewValidationError("workflow.config", fmt.Sprintf("step %s: %v", step.ID, err))
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, core.NewValidationError("workflow.config", fmt.Sprintf("step %s: %v", step.ID, err))
	}
	return cfg, nil
}

// checkConfig validates the kind specific config of step and returns the
// step ids it references.
func checkConfig(step core.Step) ([]string, error) {
	invalid := func(msg string) error {
		return core.NewValidationError("workflow.validate", fmt.Sprintf("step %s: %s", step.ID, msg))
	}
	switch step.Type {
	case core.StepAgentTask:
		cfg, err := decodeConfig[AgentTaskConfig](step)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.Goal) == "" {
			return nil, invalid("agent-task requires goal")
		}
		return nil, nil
	case core.StepParallel:
		cfg, err := decodeConfig[ParallelConfig](step)
		if err != nil {
			return nil, err
		}
		if len(cfg.Steps) == 0 {
			return nil, invalid("parallel requires steps")
		}
		if cfg.MaxConcurrency < 0 {
			return nil, invalid("maxConcurrency must not be negative")
		}
		for _, id := range cfg.Steps {
			if id == step.ID {
				return nil, invalid("parallel step cannot contain itself")
			}
		}
		return cfg.Steps, nil
	case core.StepCondition:
		cfg, err := decodeConfig[ConditionConfig](step)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.Expression) == "" {
			return nil, invalid("condition requires expression")
		}
		var refs []string
		for _, id := range []string{cfg.Then, cfg.Else} {
			if id != "" {
				refs = append(refs, id)
			}
		}
		return refs, nil
	case core.StepLoop:
		cfg, err := decodeConfig[LoopConfig](step)
		if err != nil {
			return nil, err
		}
		if cfg.Body == "" {
			return nil, invalid("loop requires body")
		}
		if cfg.Body == step.ID {
			return nil, invalid("loop body cannot be the loop itself")
		}
		if cfg.MaxIterations < 0 {
			return nil, invalid("maxIterations must not be negative")
		}
		return []string{cfg.Body}, nil
	case core.StepHTTP:
		cfg, err := decodeConfig[HTTPConfig](step)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, invalid("http requires url")
		}
		return nil, nil
	case core.StepScript:
		cfg, err := decodeConfig[ScriptConfig](step)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.Source) == "" {
			return nil, invalid("script requires source")
		}
		return nil, nil
	}
	return nil, invalid(fmt.Sprintf("unknown step type %q", step.Type))
}

// String renders the duration like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }
