package team

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
)

func agent(id string) core.AgentID { return core.NewAgentID("", id) }

func TestCoordinator_CreateTeamDefaults(t *testing.T) {
	c := NewCoordinator(nil)

	team, err := c.CreateTeam(Spec{Leader: agent("lead"), Members: []core.AgentID{agent("a"), agent("lead")}})
	require.NoError(t, err)
	assert.Equal(t, []core.AgentID{agent("lead"), agent("a")}, team.Members, "leader is a member exactly once")
	assert.Equal(t, core.FormationFlat, team.Formation)
	assert.Equal(t, core.TeamStatusActive, team.Status)

	pattern, err := c.CommunicationPattern(team.ID)
	require.NoError(t, err)
	assert.Equal(t, "mesh", pattern)

	_, err = c.CreateTeam(Spec{Leader: agent("b"), Members: []core.AgentID{agent("a")}})
	assert.True(t, errors.Is(err, core.ErrAlreadyExists), "an agent belongs to at most one team")

	_, err = c.CreateTeam(Spec{})
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = c.AddMember(team.ID, agent("b"))
	require.NoError(t, err)
	got, ok := c.TeamOf(agent("b"))
	require.True(t, ok)
	assert.Equal(t, team.ID, got.ID)
}

func TestFormationForSize(t *testing.T) {
	assert.Equal(t, core.FormationFlat, FormationForSize(3))
	assert.Equal(t, core.FormationHierarchical, FormationForSize(4))
	assert.Equal(t, core.FormationHierarchical, FormationForSize(7))
	assert.Equal(t, core.FormationMatrix, FormationForSize(8))
}

func TestCoordinator_LeaderPromotionAndDisband(t *testing.T) {
	c := NewCoordinator(nil)
	team, err := c.CreateTeam(Spec{Name: "pair", Leader: agent("lead"), Members: []core.AgentID{agent("other")}})
	require.NoError(t, err)

	updated, err := c.RemoveMember(team.ID, agent("lead"))
	require.NoError(t, err)
	assert.Equal(t, agent("other"), updated.Leader)
	assert.Equal(t, []core.AgentID{agent("other")}, updated.Members)

	_, err = c.RemoveMember(team.ID, agent("lead"))
	assert.True(t, errors.Is(err, core.ErrNotFound))

	last, err := c.RemoveMember(team.ID, agent("other"))
	require.NoError(t, err)
	assert.Equal(t, core.TeamStatusDisbanded, last.Status)

	_, err = c.Team(team.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound), "disbanded teams are not retrievable")
	_, ok := c.TeamOf(agent("other"))
	assert.False(t, ok)
	assert.Empty(t, c.Teams())
}

func TestCoordinator_AssignGoalAnnouncesAssignments(t *testing.T) {
	b := bus.New()
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, b.RegisterAgent(agent(id)))
	}
	var observed []Assignment
	c := NewCoordinator(b, func(o *Options) {
		o.Observers = []Observer{observerFunc(func(_ string, _ core.Formation, a Assignment) { observed = append(observed, a) })}
	})
	c.RegisterProfile(Profile{Agent: agent("m1"), Capabilities: []string{"research"}})
	c.RegisterProfile(Profile{Agent: agent("m2"), Capabilities: []string{"writing"}})
	team, err := c.CreateTeam(Spec{Leader: agent("m1"), Members: []core.AgentID{agent("m2")}})
	require.NoError(t, err)

	plan, err := c.AssignGoal(context.Background(), team.ID, core.Goal{Description: "investigate outages and write a summary"})
	require.NoError(t, err)

	assert.Equal(t, core.FormationFlat, plan.Strategy)
	require.Len(t, plan.Assignments, 2)
	assert.Equal(t, agent("m1"), plan.Assignments[0].Agent)
	assert.Equal(t, agent("m2"), plan.Assignments[1].Agent)
	assert.Len(t, observed, 2)

	for _, id := range []string{"m1", "m2"} {
		msg, ok := b.Receive(agent(id))
		require.True(t, ok, id)
		assert.Equal(t, core.MessageTypeCommand, msg.Type)
		assert.Equal(t, TopicTaskAssigned, msg.Content.Topic)
		body, ok := msg.Content.Body.(TaskAssignment)
		require.True(t, ok)
		assert.Equal(t, team.ID, body.TeamID)
	}

	updated, err := c.Team(team.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TeamStatusExecuting, updated.Status)
	require.Len(t, updated.Goals, 1)
	p, _ := c.Profile(agent("m1"))
	assert.Greater(t, p.Workload, 0.0)

	require.NoError(t, c.CompleteGoal(team.ID, plan.Goal.ID, true))
	updated, _ = c.Team(team.ID)
	assert.Equal(t, core.TeamStatusActive, updated.Status)

	c.RecordPerformance(agent("m1"), true, p.Workload)
	p, _ = c.Profile(agent("m1"))
	assert.Zero(t, p.Workload)
	assert.InDelta(t, 0.6, p.Performance, 1e-9)

	_, err = c.AssignGoal(context.Background(), "missing", core.Goal{Description: "x"})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

type observerFunc func(teamID string, strategy core.Formation, a Assignment)

func (f observerFunc) GoalAssigned(teamID string, strategy core.Formation, a Assignment) {
	f(teamID, strategy, a)
}

func (observerFunc) FormationChanged(string, core.Formation, core.Formation) {}

type fixedStrategy struct {
	formation core.Formation
	score     float64
}

func (s fixedStrategy) Formation() core.Formation { return s.formation }

func (s fixedStrategy) Score(Context) float64 { return s.score }

func (s fixedStrategy) Assign(c Context, subGoals []core.Goal) []Assignment {
	return FlatStrategy{}.Assign(c, subGoals)
}

func TestCoordinator_OptimizeSwitchesOnlyPastThreshold(t *testing.T) {
	b := bus.New()
	require.NoError(t, b.RegisterAgent(agent("lead")))
	require.NoError(t, b.RegisterAgent(agent("m")))
	c := NewCoordinator(b, func(o *Options) {
		o.Strategies = []Strategy{
			fixedStrategy{core.FormationFlat, 0.5},
			fixedStrategy{core.FormationHierarchical, 0.6},
		}
	})
	team, err := c.CreateTeam(Spec{Leader: agent("lead"), Members: []core.AgentID{agent("m")}, Formation: core.FormationFlat})
	require.NoError(t, err)

	res, err := c.OptimizeTeamFormation(context.Background(), team.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed, "a 0.1 margin is not enough")
	assert.Equal(t, core.FormationFlat, res.Current)
	assert.Equal(t, 0, b.Pending(agent("m")))

	c.RegisterStrategy(fixedStrategy{core.FormationHierarchical, 0.65})
	res, err = c.OptimizeTeamFormation(context.Background(), team.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, core.FormationHierarchical, res.Current)

	pattern, _ := c.CommunicationPattern(team.ID)
	assert.Equal(t, "hub-and-spoke", pattern)

	msg, ok := b.Receive(agent("m"))
	require.True(t, ok)
	assert.Equal(t, TopicStructureChanged, msg.Content.Topic)
	change := msg.Content.Body.(StructureChange)
	assert.Equal(t, core.FormationFlat, change.From)
	assert.Equal(t, core.FormationHierarchical, change.To)
}

func TestCoordinator_OptimizeWithDefaultStrategies(t *testing.T) {
	c := NewCoordinator(nil)
	team, err := c.CreateTeam(Spec{Leader: agent("lead"), Members: []core.AgentID{agent("m")}, Formation: core.FormationMatrix})
	require.NoError(t, err)

	res, err := c.OptimizeTeamFormation(context.Background(), team.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, core.FormationFlat, res.Current, "small teams prefer flat")
	assert.InDelta(t, 0.8, res.Scores[core.FormationFlat], 1e-9)

	res, err = c.OptimizeTeamFormation(context.Background(), team.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}
