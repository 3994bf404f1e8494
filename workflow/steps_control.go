package workflow

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/sandbox"
)

// runCondition evaluates the expression and picks the then or else branch.
// An empty branch falls back to the step's normal transition.
func (e *Engine) runCondition(ctx context.Context, r *run, step core.Step) (any, string, error) {
	cfg, err := decodeConfig[ConditionConfig](step)
	if err != nil {
		return nil, "", permanent(err)
	}
	ok, err := sandbox.EvaluateBool(ctx, e.opts.Evaluator, cfg.Expression, r.env(), e.policyFor(step).Timeout)
	if err != nil {
		return nil, "", permanent(err)
	}
	branch := cfg.Else
	if ok {
		branch = cfg.Then
	}
	return map[string]any{"result": ok, "branch": branch}, branch, nil
}

// runLoop runs the body step while condition holds, stopping early when
// breakCondition holds or the body fails.
func (e *Engine) runLoop(ctx context.Context, r *run, step core.Step) (any, error) {
	cfg, err := decodeConfig[LoopConfig](step)
	if err != nil {
		return nil, permanent(err)
	}
	limit := cfg.MaxIterations
	if limit == 0 {
		limit = DefaultMaxIterations
	}
	timeout := e.opts.Policies[core.StepCondition].Timeout

	check := func(expr string, iteration int) (bool, error) {
		env := r.env()
		env["iteration"] = iteration
		return sandbox.EvaluateBool(ctx, e.opts.Evaluator, expr, env, timeout)
	}

	iterations := 0
	for iterations < limit {
		if cfg.Condition != "" {
			ok, err := check(cfg.Condition, iterations)
			if err != nil {
				return nil, permanent(err)
			}
			if !ok {
				break
			}
		}
		key := fmt.Sprintf("%s[%d]", step.ID, iterations)
		res, err := e.child(ctx, r, cfg.Body, key)
		if err != nil {
			return nil, err
		}
		iterations++
		r.mu.Lock()
		r.exec.Results[cfg.Body] = res
		r.mu.Unlock()
		if !res.Success {
			return nil, permanent(fmt.Errorf("iteration %d: %s", iterations-1, res.Error))
		}
		if cfg.BreakCondition != "" {
			stop, err := check(cfg.BreakCondition, iterations)
			if err != nil {
				return nil, permanent(err)
			}
			if stop {
				break
			}
		}
	}
	return map[string]any{"iterations": iterations}, nil
}
