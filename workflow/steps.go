package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// permanentError marks a step failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, core.ErrValidation)
}

// runStep executes step under its policy. It returns the result and, for
// condition steps, the branch chosen.
func (e *Engine) runStep(ctx context.Context, r *run, step core.Step) (core.StepResult, string) {
	p := e.policyFor(step)
	if step.Type == core.StepHTTP {
		if cfg, err := decodeConfig[HTTPConfig](step); err == nil && cfg.RetryDelay > 0 {
			p.RetryDelay = time.Duration(cfg.RetryDelay)
		}
	}

	start := e.opts.Now()
	res := core.StepResult{StepID: step.ID}
	var (
		output any
		branch string
		err    error
	)
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			e.logger(r.exec.ID).Debug("retrying step", "step_id", step.ID, "attempt", attempt+1, "error", err)
			if p.RetryDelay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(p.RetryDelay):
				}
			}
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		res.Attempts = attempt + 1
		output, branch, err = e.attempt(ctx, r, step, p.Timeout)
		if err == nil || isPermanent(err) || ctx.Err() != nil {
			break
		}
	}

	res.Duration = e.opts.Now().Sub(start)
	if err != nil {
		var pe *permanentError
		if errors.As(err, &pe) {
			err = pe.err
		}
		res.Error = err.Error()
		return res, ""
	}
	res.Success = true
	res.Output = output
	return res, branch
}

func (e *Engine) attempt(ctx context.Context, r *run, step core.Step, timeout time.Duration) (any, string, error) {
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output, branch, err := e.dispatch(stepCtx, r, step)
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, core.ErrTimeout) {
		err = core.NewTimeoutError("workflow."+string(step.Type), timeout)
	}
	return output, branch, err
}

func (e *Engine) dispatch(ctx context.Context, r *run, step core.Step) (any, string, error) {
	switch step.Type {
	case core.StepAgentTask:
		out, err := e.runAgentTask(ctx, r, step)
		return out, "", err
	case core.StepParallel:
		out, err := e.runParallel(ctx, r, step)
		return out, "", err
	case core.StepCondition:
		return e.runCondition(ctx, r, step)
	case core.StepLoop:
		out, err := e.runLoop(ctx, r, step)
		return out, "", err
	case core.StepHTTP:
		out, err := e.runHTTP(ctx, r, step)
		return out, "", err
	case core.StepScript:
		out, err := e.runScript(ctx, r, step)
		return out, "", err
	default:
		return nil, "", permanent(fmt.Errorf("unknown step type %q", step.Type))
	}
}

// child runs a step referenced by a parallel or loop step and records its
// result under key.
func (e *Engine) child(ctx context.Context, r *run, id, key string) (core.StepResult, error) {
	step, ok := r.machine.Step(id)
	if !ok {
		return core.StepResult{}, permanent(core.NewNotFoundError("step", id))
	}
	res, _ := e.runStep(ctx, r, step)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	e.record(context.Background(), r, key, step, res)
	return res, nil
}
