package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/goal"
	"github.com/hupe1980/agentflow/team"
)

// DefaultComplexityThreshold is the goal complexity above which a
// coordinator hands the goal to a team instead of a single agent.
const DefaultComplexityThreshold = 0.5

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Options
	ComplexityThreshold float64
}

type delegation struct {
	root   string
	teamID string
	agent  core.AgentID
	load   float64
}

type rootProgress struct {
	teamID    string
	remaining int
	failed    bool
	results   []any
}

// Coordinator routes goals: complex goals to a team it leads, simple goals
// to the best capability match among registered agent profiles.
type Coordinator struct {
	*BaseAgent
	teams *team.Coordinator
	opts  CoordinatorOptions

	mu          sync.Mutex
	delegations map[string]delegation // delegated goal id -> origin
	roots       map[string]*rootProgress
	orphans     map[string][]TaskReport
}

// NewCoordinator creates a coordinator agent drawing on the profiles and
// teams of tc.
func NewCoordinator(id core.AgentID, b *bus.Bus, tc *team.Coordinator, optFns ...func(o *CoordinatorOptions)) *Coordinator {
	opts := CoordinatorOptions{Options: defaultOptions(), ComplexityThreshold: DefaultComplexityThreshold}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{
		BaseAgent:   NewBaseAgent(id, b, opts.Options),
		teams:       tc,
		opts:        opts,
		delegations: make(map[string]delegation),
		roots:       make(map[string]*rootProgress),
		orphans:     make(map[string][]TaskReport),
	}
}

// Start registers the coordinator on the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	_, err := c.StartWith(ctx, c.handle)
	return err
}

// AssignGoal accepts a goal and hands it to a team or a single agent. The
// returned goal is the coordinator's own copy; its status follows the
// reports of the agents doing the work.
func (c *Coordinator) AssignGoal(ctx context.Context, g core.Goal) (core.Goal, error) {
	if err := c.Transition(StateThinking); err != nil {
		return core.Goal{}, err
	}
	defer func() {
		if c.State() != StateError {
			_ = c.Transition(StateIdle)
		}
	}()

	added, err := c.goals.AddGoal(g)
	if err != nil {
		return core.Goal{}, err
	}
	if !c.goals.IsReady(added.ID) {
		return added, nil
	}
	if _, err := c.goals.Activate(added.ID); err != nil {
		return core.Goal{}, err
	}

	if goal.Complexity(added) > c.opts.ComplexityThreshold {
		if err := c.Transition(StateCoordinating); err != nil {
			return core.Goal{}, err
		}
		teamID, ok, err := c.teamFor(added)
		if err != nil {
			return c.abandon(added.ID, err)
		}
		if ok {
			if err := c.assignToTeam(ctx, teamID, added); err != nil {
				return c.abandon(added.ID, err)
			}
			return c.goals.Goal(added.ID)
		}
		c.logger.Debug("no team available, delegating", "agent_id", c.id.Key(), "goal_id", added.ID)
	}

	if err := c.Transition(StateCommunicating); err != nil {
		return core.Goal{}, err
	}
	if err := c.delegate(ctx, added, added.ID, ""); err != nil {
		return c.abandon(added.ID, err)
	}
	return c.goals.Goal(added.ID)
}

// Outcome returns the status and collected results of a goal.
func (c *Coordinator) Outcome(goalID string) (GoalOutcome, bool) {
	g, err := c.goals.Goal(goalID)
	if err != nil {
		return GoalOutcome{}, false
	}
	out := GoalOutcome{Status: g.Status, Error: g.Error}
	c.mu.Lock()
	if p, ok := c.roots[goalID]; ok {
		out.Results = append([]any(nil), p.results...)
	}
	c.mu.Unlock()
	return out, true
}

func (c *Coordinator) abandon(goalID string, err error) (core.Goal, error) {
	_, _ = c.goals.Fail(goalID, err.Error())
	return core.Goal{}, err
}

// teamFor returns the team the coordinator belongs to, forming one from
// capable unaffiliated agents when it has none.
func (c *Coordinator) teamFor(g core.Goal) (string, bool, error) {
	if t, ok := c.teams.TeamOf(c.id); ok {
		return t.ID, true, nil
	}
	required := team.RequiredCapabilities(g)
	type candidate struct {
		id    core.AgentID
		match float64
	}
	var candidates []candidate
	for _, p := range c.teams.Profiles() {
		if p.Agent.Equal(c.id) {
			continue
		}
		if _, busy := c.teams.TeamOf(p.Agent); busy {
			continue
		}
		if m := goal.CapabilityMatch(p.Capabilities, required); m > 0 {
			candidates = append(candidates, candidate{id: p.Agent, match: m})
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].match > candidates[j].match })
	members := make([]core.AgentID, 0, len(candidates))
	for _, cand := range candidates {
		members = append(members, cand.id)
	}
	t, err := c.teams.CreateTeam(team.Spec{
		Name:      c.id.ID + "-team",
		Leader:    c.id,
		Members:   members,
		Formation: team.FormationForSize(len(members) + 1),
	})
	if err != nil {
		return "", false, err
	}
	return t.ID, true, nil
}

func (c *Coordinator) assignToTeam(ctx context.Context, teamID string, g core.Goal) error {
	c.mu.Lock()
	c.roots[g.ID] = &rootProgress{teamID: teamID}
	c.mu.Unlock()

	plan, err := c.teams.AssignGoalAs(ctx, c.id, teamID, g)
	if err != nil && len(plan.Assignments) == 0 {
		c.mu.Lock()
		delete(c.roots, g.ID)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.roots[g.ID].remaining = len(plan.Assignments)
	var ready []TaskReport
	for _, a := range plan.Assignments {
		c.delegations[a.Goal.ID] = delegation{root: g.ID, teamID: teamID, agent: a.Agent, load: a.Load}
		ready = append(ready, c.orphans[a.Goal.ID]...)
		delete(c.orphans, a.Goal.ID)
	}
	c.mu.Unlock()

	for _, r := range ready {
		c.settleReport(r)
	}
	return err
}

// delegate sends g as a task.execute command to the best capable agent.
func (c *Coordinator) delegate(ctx context.Context, g core.Goal, root, teamID string) error {
	required := team.RequiredCapabilities(g)
	target, ok := c.bestAgent(required)
	if !ok {
		return core.NewNotFoundError("capable agent", strings.Join(required, ","))
	}
	task := core.Task{
		ID:           core.NewID(),
		GoalID:       g.ID,
		AssignedTo:   target,
		RequestedBy:  c.id,
		Description:  g.Description,
		Status:       core.TaskStatusAssigned,
		Priority:     g.Priority,
		Capabilities: required,
		CreatedAt:    c.now(),
	}

	c.mu.Lock()
	d, tracked := c.delegations[g.ID]
	if !tracked {
		d = delegation{root: root, teamID: teamID}
	}
	d.agent = target
	c.delegations[g.ID] = d
	if root != "" {
		if _, ok := c.roots[root]; !ok {
			c.roots[root] = &rootProgress{teamID: teamID, remaining: 1}
		}
	}
	c.mu.Unlock()

	msg := core.NewMessage(c.id, target, core.MessageTypeCommand, TopicTaskExecute, task)
	if g.Priority.Rank() >= core.GoalPriorityHigh.Rank() {
		msg.Priority = core.PriorityHigh
	}
	report, err := c.Send(ctx, msg)
	if err != nil {
		return err
	}
	if !report.Reached() {
		return core.NewExecutionError("coordinator.delegate", fmt.Errorf("agent %s did not accept task %s", target.Key(), task.ID))
	}
	c.logger.Info("task delegated", "agent_id", c.id.Key(), "goal_id", g.ID, "assignee", target.Key())
	return nil
}

func (c *Coordinator) bestAgent(required []string) (core.AgentID, bool) {
	var (
		best  team.Profile
		score float64
		found bool
	)
	for _, p := range c.teams.Profiles() {
		if p.Agent.Equal(c.id) {
			continue
		}
		m := goal.CapabilityMatch(p.Capabilities, required)
		if m == 0 {
			continue
		}
		switch {
		case !found, m > score,
			m == score && p.Workload < best.Workload,
			m == score && p.Workload == best.Workload && p.Performance > best.Performance:
			best, score, found = p, m, true
		}
	}
	return best.Agent, found
}

func (c *Coordinator) handle(ctx context.Context, msg core.Message) error {
	switch {
	case msg.Type == core.MessageTypeCommand && msg.Content.Topic == team.TopicTaskAssigned:
		// Sub-goals the team strategy routed to the leader are passed on.
		a, ok := msg.Content.Body.(team.TaskAssignment)
		if !ok {
			return core.NewValidationError("coordinator.handle", "task.assigned body is not an assignment")
		}
		if err := c.delegate(ctx, a.Goal, "", a.TeamID); err != nil {
			c.logger.Warn("sub-goal delegation failed", "agent_id", c.id.Key(), "goal_id", a.Goal.ID, "error", err)
			c.settleReport(TaskReport{Task: core.Task{GoalID: a.Goal.ID, AssignedTo: c.id, Status: core.TaskStatusFailed, Error: err.Error()}})
		}
		return nil
	case msg.Type == core.MessageTypeInform && (msg.Content.Topic == TopicTaskCompleted || msg.Content.Topic == TopicTaskFailed):
		r, ok := reportFromBody(msg.Content.Body)
		if !ok {
			return core.NewValidationError("coordinator.handle", "task report body is not a report")
		}
		c.settleReport(r)
	}
	return nil
}

// settleReport folds a task report into the progress of its root goal.
// Reports for sub-goals not yet recorded are held until the plan is.
func (c *Coordinator) settleReport(r TaskReport) {
	success := r.Task.Status == core.TaskStatusCompleted

	c.mu.Lock()
	d, ok := c.delegations[r.Task.GoalID]
	if !ok || d.root == "" {
		c.orphans[r.Task.GoalID] = append(c.orphans[r.Task.GoalID], r)
		c.mu.Unlock()
		return
	}
	delete(c.delegations, r.Task.GoalID)
	p, ok := c.roots[d.root]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.remaining--
	if success {
		p.results = append(p.results, r.Task.Result)
	}
	firstFailure := !success && !p.failed
	if !success {
		p.failed = true
	}
	done := p.remaining <= 0 && !p.failed
	teamID := p.teamID
	c.mu.Unlock()

	c.RecordTask(success, r.Duration)
	c.teams.RecordPerformance(d.agent, success, d.load)

	switch {
	case firstFailure:
		reason := r.Task.Error
		if reason == "" {
			reason = fmt.Sprintf("task %s failed", r.Task.ID)
		}
		_, _ = c.goals.Fail(d.root, reason)
		if teamID != "" {
			_ = c.teams.CompleteGoal(teamID, d.root, false)
		}
	case done:
		_, _ = c.goals.Complete(d.root)
		if teamID != "" {
			_ = c.teams.CompleteGoal(teamID, d.root, true)
		}
	}
}

var _ Agent = (*Coordinator)(nil)
