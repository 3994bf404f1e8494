package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/team"
)

func startExecutor(t *testing.T, b *bus.Bus, tc *team.Coordinator, name string, caps ...string) *Executor {
	t.Helper()
	e := NewExecutor(core.NewAgentID("test", name), b, func(o *ExecutorOptions) {
		o.Capabilities = caps
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	tc.RegisterProfile(team.Profile{Agent: e.ID(), Capabilities: caps})
	return e
}

func TestCoordinator_DelegatesSimpleGoal(t *testing.T) {
	b := bus.New()
	tc := team.NewCoordinator(b)
	coder := startExecutor(t, b, tc, "coder", "coding")
	startExecutor(t, b, tc, "writer", "writing")

	c := NewCoordinator(core.NewAgentID("test", "coordinator"), b, tc)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	g, err := c.AssignGoal(context.Background(), core.Goal{Description: "fix the login bug"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, _ := c.Outcome(g.ID)
		return out.Status == core.GoalStatusCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, coder.Metrics().TasksCompleted)
	assert.Equal(t, 1, c.Metrics().TasksCompleted)
	assert.Equal(t, StateIdle, c.State())

	p, ok := tc.Profile(coder.ID())
	require.True(t, ok)
	assert.InDelta(t, 0.6, p.Performance, 1e-9)
	_, inTeam := tc.TeamOf(c.ID())
	assert.False(t, inTeam)
}

func TestCoordinator_FormsTeamForComplexGoal(t *testing.T) {
	b := bus.New()
	tc := team.NewCoordinator(b)
	researcher := startExecutor(t, b, tc, "researcher", "research")
	designer := startExecutor(t, b, tc, "designer", "design")
	startExecutor(t, b, tc, "writer", "writing")

	c := NewCoordinator(core.NewAgentID("test", "coordinator"), b, tc, func(o *CoordinatorOptions) {
		o.ComplexityThreshold = 0.2
	})
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	g, err := c.AssignGoal(context.Background(), core.Goal{Description: "research the market and design the product"})
	require.NoError(t, err)

	tm, ok := tc.TeamOf(c.ID())
	require.True(t, ok)
	assert.True(t, tm.Leader.Equal(c.ID()))
	assert.Len(t, tm.Members, 3)
	assert.Equal(t, core.FormationFlat, tm.Formation)
	assert.False(t, tm.HasMember(core.NewAgentID("test", "writer")))

	require.Eventually(t, func() bool {
		out, _ := c.Outcome(g.ID)
		return out.Status == core.GoalStatusCompleted
	}, time.Second, 5*time.Millisecond)

	out, _ := c.Outcome(g.ID)
	assert.Len(t, out.Results, 2)
	assert.Equal(t, 1, researcher.Metrics().TasksCompleted)
	assert.Equal(t, 1, designer.Metrics().TasksCompleted)

	require.Eventually(t, func() bool {
		tm, _ := tc.Team(tm.ID)
		return tm.Status == core.TeamStatusActive
	}, time.Second, 5*time.Millisecond)

	// A second complex goal reuses the team.
	_, err = c.AssignGoal(context.Background(), core.Goal{Description: "research the pricing and design the plans"})
	require.NoError(t, err)
	assert.Len(t, tc.Teams(), 1)
}

func TestCoordinator_NoCapableAgent(t *testing.T) {
	b := bus.New()
	tc := team.NewCoordinator(b)
	startExecutor(t, b, tc, "writer", "writing")

	c := NewCoordinator(core.NewAgentID("test", "coordinator"), b, tc)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	_, err := c.AssignGoal(context.Background(), core.Goal{ID: "g1", Description: "deploy the service"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)

	g, err := c.Goals().Goal("g1")
	require.NoError(t, err)
	assert.Equal(t, core.GoalStatusFailed, g.Status)
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_FailedTaskFailsGoal(t *testing.T) {
	b := bus.New()
	tc := team.NewCoordinator(b)
	e := NewExecutor(core.NewAgentID("test", "coder"), b, func(o *ExecutorOptions) {
		o.Capabilities = []string{"coding"}
		o.Work = func(context.Context, core.Task) (any, error) { return nil, assert.AnError }
	})
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()
	tc.RegisterProfile(team.Profile{Agent: e.ID(), Capabilities: []string{"coding"}})

	c := NewCoordinator(core.NewAgentID("test", "coordinator"), b, tc)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	g, err := c.AssignGoal(context.Background(), core.Goal{Description: "fix the parser"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, _ := c.Outcome(g.ID)
		return out.Status == core.GoalStatusFailed
	}, time.Second, 5*time.Millisecond)
	out, _ := c.Outcome(g.ID)
	assert.Equal(t, assert.AnError.Error(), out.Error)
	assert.Equal(t, 1, c.Metrics().TasksFailed)

	p, _ := tc.Profile(e.ID())
	assert.InDelta(t, 0.4, p.Performance, 1e-9)
}
