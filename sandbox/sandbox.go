package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// DefaultTimeout applies when a caller passes no timeout.
const DefaultTimeout = 5 * time.Second

// Evaluator evaluates source against env under a timeout.
type Evaluator interface {
	Evaluate(ctx context.Context, source string, env map[string]any, timeout time.Duration) (any, error)
}

// EvaluateBool evaluates a condition and requires a boolean result.
func EvaluateBool(ctx context.Context, e Evaluator, source string, env map[string]any, timeout time.Duration) (bool, error) {
	v, err := e.Evaluate(ctx, source, env, timeout)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, core.NewValidationError("sandbox.evaluate", fmt.Sprintf("expression %q returned %T, want bool", source, v))
	}
	return b, nil
}

type result struct {
	value any
	err   error
}

// bounded runs fn on its own goroutine and gives up after timeout. An
// abandoned fn keeps running until it returns on its own.
func bounded(ctx context.Context, op string, timeout time.Duration, fn func() (any, error)) (any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: core.NewExecutionError(op, fmt.Errorf("panic: %v", r))}
			}
		}()
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return nil, core.NewTimeoutError(op, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
