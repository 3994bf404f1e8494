package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/team"
)

const defaultPollInterval = 50 * time.Millisecond

// runAgentTask hands a goal to an executor from the pool and polls until
// the goal is terminal.
func (e *Engine) runAgentTask(ctx context.Context, r *run, step core.Step) (any, error) {
	if e.opts.Pool == nil {
		return nil, permanent(errors.New("no agent pool configured"))
	}
	cfg, err := decodeConfig[AgentTaskConfig](step)
	if err != nil {
		return nil, permanent(err)
	}
	description, err := util.RenderTemplate(cfg.Goal, r.env())
	if err != nil {
		return nil, permanent(core.NewValidationError("workflow.agent-task", err.Error()))
	}

	ex, err := e.opts.Pool.Acquire(ctx, cfg.Capabilities...)
	if err != nil {
		return nil, err
	}
	defer e.opts.Pool.Release(ex)

	g := core.Goal{Description: description, Priority: cfg.Priority}
	if len(cfg.Capabilities) > 0 {
		g.Constraints = map[string]any{team.CapabilitiesConstraint: cfg.Capabilities}
	}
	g, err = ex.AssignGoal(ctx, g)
	if err != nil {
		return nil, err
	}

	interval := time.Duration(cfg.PollInterval)
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, ok := ex.Outcome(g.ID)
		if !ok {
			return nil, core.NewNotFoundError("goal", g.ID)
		}
		switch out.Status {
		case core.GoalStatusCompleted:
			return map[string]any{"goal_id": g.ID, "agent": ex.ID().String(), "results": out.Results}, nil
		case core.GoalStatusFailed:
			return nil, fmt.Errorf("goal %s failed: %s", g.ID, out.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
