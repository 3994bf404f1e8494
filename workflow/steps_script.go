package workflow

import (
	"context"

	"github.com/hupe1980/agentflow/core"
)

func (e *Engine) runScript(ctx context.Context, r *run, step core.Step) (any, error) {
	cfg, err := decodeConfig[ScriptConfig](step)
	if err != nil {
		return nil, permanent(err)
	}
	out, err := e.opts.Scripts.Evaluate(ctx, cfg.Source, r.env(), e.policyFor(step).Timeout)
	if err != nil {
		return nil, permanent(err)
	}
	return out, nil
}
