package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/hupe1980/agentflow/core"
)

// EntryPoint is the function a script must define:
//
//	func Run(variables, results map[string]any) (any, error)
const EntryPoint = "Run"

// DefaultAllowedPackages is the standard library subset scripts may import.
var DefaultAllowedPackages = []string{
	"strings", "strconv", "math", "sort", "time", "unicode", "encoding/json",
}

// ScriptFunc is the signature of a script entry point.
type ScriptFunc func(variables, results map[string]any) (any, error)

// ScriptRunner interprets Go scripts with yaegi. Only allow-listed
// standard library packages are importable; there is no access to os, net
// or os/exec.
type ScriptRunner struct {
	symbols interp.Exports
}

// NewScriptRunner creates a runner restricted to allowed packages, or to
// DefaultAllowedPackages when none are given.
func NewScriptRunner(allowed ...string) *ScriptRunner {
	if len(allowed) == 0 {
		allowed = DefaultAllowedPackages
	}
	permit := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		permit[p] = true
	}
	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		// keys look like "encoding/json/json"
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if permit[key[:idx]] {
			symbols[key] = syms
		}
	}
	return &ScriptRunner{symbols: symbols}
}

// Compile interprets source and returns its entry point.
func (r *ScriptRunner) Compile(ctx context.Context, source string) (ScriptFunc, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(r.symbols); err != nil {
		return nil, core.NewExecutionError("sandbox.script", err)
	}
	if _, err := i.EvalWithContext(ctx, source); err != nil {
		return nil, &core.Error{Kind: core.ErrValidation, Op: "sandbox.script", Msg: "script does not compile", Err: err}
	}
	v, err := i.EvalWithContext(ctx, EntryPoint)
	if err != nil {
		return nil, &core.Error{Kind: core.ErrValidation, Op: "sandbox.script", Msg: fmt.Sprintf("script must define %s", EntryPoint), Err: err}
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, core.NewValidationError("sandbox.script", fmt.Sprintf("%s is not a function", EntryPoint))
	}
	fn, ok := v.Interface().(func(map[string]any, map[string]any) (any, error))
	if !ok {
		return nil, core.NewValidationError("sandbox.script", fmt.Sprintf("%s must have signature func(variables, results map[string]any) (any, error)", EntryPoint))
	}
	return fn, nil
}

// Evaluate compiles source and calls its entry point with env["variables"]
// and env["results"]. Compilation and the call share the timeout.
func (r *ScriptRunner) Evaluate(ctx context.Context, source string, env map[string]any, timeout time.Duration) (any, error) {
	variables, _ := env["variables"].(map[string]any)
	results, _ := env["results"].(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}
	if results == nil {
		results = map[string]any{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return bounded(ctx, "sandbox.script", timeout, func() (any, error) {
		fn, err := r.Compile(runCtx, source)
		if err != nil {
			return nil, err
		}
		v, err := fn(variables, results)
		if err != nil {
			return nil, core.NewExecutionError("sandbox.script", err)
		}
		return v, nil
	})
}

var _ Evaluator = (*ScriptRunner)(nil)
