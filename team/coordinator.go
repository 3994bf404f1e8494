// Package team forms agent teams and distributes goals across their members
// with pluggable formation strategies.
package team

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Bus topics published by the coordinator.
const (
	TopicTaskAssigned     = "task.assigned"
	TopicStructureChanged = "team.structure_changed"
)

// DefaultImprovementThreshold is the score margin a challenger formation
// must exceed before the optimizer switches to it.
const DefaultImprovementThreshold = 0.1

// Observer is notified about assignment and formation decisions.
type Observer interface {
	GoalAssigned(teamID string, strategy core.Formation, a Assignment)
	FormationChanged(teamID string, from, to core.Formation)
}

// Options configures a Coordinator.
type Options struct {
	Logger logging.Logger
	// Identity is the sender of assignment and structure-change messages.
	Identity             core.AgentID
	Strategies           []Strategy
	ImprovementThreshold float64
	Observers            []Observer
	Now                  func() time.Time
}

// Spec describes a team to create.
type Spec struct {
	Name      string
	Leader    core.AgentID
	Members   []core.AgentID
	Formation core.Formation
}

// Plan is the result of assigning one goal to a team.
type Plan struct {
	TeamID      string         `json:"team_id"`
	Strategy    core.Formation `json:"strategy"`
	Goal        core.Goal      `json:"goal"`
	Assignments []Assignment   `json:"assignments"`
}

// TaskAssignment is the body of a task.assigned message.
type TaskAssignment struct {
	TeamID       string    `json:"team_id"`
	Goal         core.Goal `json:"goal"`
	Role         string    `json:"role"`
	Capability   string    `json:"capability,omitempty"`
	NeedsSupport bool      `json:"needs_support,omitempty"`
}

// Coordinator owns the team registry, agent profiles and strategies.
type Coordinator struct {
	bus  *bus.Bus
	opts Options

	mu         sync.Mutex
	teams      map[string]*core.Team
	membership map[string]string // agent key -> team id
	profiles   map[string]*Profile
	strategies []Strategy
	patterns   map[string]string // team id -> communication pattern
}

// NewCoordinator creates a team coordinator publishing on b.
func NewCoordinator(b *bus.Bus, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Logger:               logging.NoOpLogger{},
		Identity:             core.NewAgentID("system", "team-coordinator"),
		ImprovementThreshold: DefaultImprovementThreshold,
		Now:                  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}
	return &Coordinator{
		bus:        b,
		opts:       opts,
		teams:      make(map[string]*core.Team),
		membership: make(map[string]string),
		profiles:   make(map[string]*Profile),
		strategies: append([]Strategy(nil), opts.Strategies...),
		patterns:   make(map[string]string),
	}
}

// RegisterStrategy adds or replaces the strategy for its formation.
func (c *Coordinator) RegisterStrategy(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.strategies {
		if existing.Formation() == s.Formation() {
			c.strategies[i] = s
			return
		}
	}
	c.strategies = append(c.strategies, s)
}

// FormationForSize picks the default formation for a team of n members.
func FormationForSize(n int) core.Formation {
	switch {
	case n <= 3:
		return core.FormationFlat
	case n <= 7:
		return core.FormationHierarchical
	default:
		return core.FormationMatrix
	}
}

// CreateTeam registers a new ACTIVE team. The leader is added to the members
// when missing; no agent may already belong to another team.
func (c *Coordinator) CreateTeam(spec Spec) (core.Team, error) {
	if spec.Leader.IsZero() {
		return core.Team{}, core.NewValidationError("team.create", "leader is required")
	}
	leader := spec.Leader.Normalize()
	members := []core.AgentID{leader}
	seen := map[string]bool{leader.Key(): true}
	for _, m := range spec.Members {
		if m.IsZero() {
			return core.Team{}, core.NewValidationError("team.create", "member id is required")
		}
		m = m.Normalize()
		if !seen[m.Key()] {
			seen[m.Key()] = true
			members = append(members, m)
		}
	}
	formation := spec.Formation
	if formation == "" {
		formation = FormationForSize(len(members))
	}
	if formation.CommunicationPattern() == "" {
		return core.Team{}, core.NewValidationError("team.create", fmt.Sprintf("unknown formation %q", formation))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		if teamID, ok := c.membership[m.Key()]; ok {
			return core.Team{}, &core.Error{Kind: core.ErrAlreadyExists, Op: "team.create", Msg: fmt.Sprintf("agent %s already belongs to team %s", m.Key(), teamID)}
		}
	}
	t := &core.Team{
		ID:        core.NewID(),
		Name:      spec.Name,
		Leader:    leader,
		Members:   members,
		Formation: formation,
		Status:    core.TeamStatusActive,
		CreatedAt: c.opts.Now(),
	}
	if t.Name == "" {
		t.Name = "team-" + t.ID[:8]
	}
	c.teams[t.ID] = t
	c.patterns[t.ID] = formation.CommunicationPattern()
	for _, m := range members {
		c.membership[m.Key()] = t.ID
	}
	c.opts.Logger.Info("team created", "team_id", t.ID, "formation", formation, "members", len(members))
	return t.Clone(), nil
}

// Team returns a copy of the team.
func (c *Coordinator) Team(id string) (core.Team, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.teams[id]
	if !ok {
		return core.Team{}, core.NewNotFoundError("team", id)
	}
	return t.Clone(), nil
}

// Teams returns every live team ordered by creation time.
func (c *Coordinator) Teams() []core.Team {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Team, 0, len(c.teams))
	for _, t := range c.teams {
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TeamOf returns the team the agent belongs to.
func (c *Coordinator) TeamOf(id core.AgentID) (core.Team, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	teamID, ok := c.membership[id.Key()]
	if !ok {
		return core.Team{}, false
	}
	return c.teams[teamID].Clone(), true
}

// CommunicationPattern returns the message topology of a team.
func (c *Coordinator) CommunicationPattern(teamID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.patterns[teamID]
	if !ok {
		return "", core.NewNotFoundError("team", teamID)
	}
	return p, nil
}

// AddMember adds an agent to a team. Adding an existing member is a no-op.
func (c *Coordinator) AddMember(teamID string, id core.AgentID) (core.Team, error) {
	id = id.Normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.teams[teamID]
	if !ok {
		return core.Team{}, core.NewNotFoundError("team", teamID)
	}
	if current, ok := c.membership[id.Key()]; ok {
		if current == teamID {
			return t.Clone(), nil
		}
		return core.Team{}, &core.Error{Kind: core.ErrAlreadyExists, Op: "team.add_member", Msg: fmt.Sprintf("agent %s already belongs to team %s", id.Key(), current)}
	}
	t.Members = append(t.Members, id)
	c.membership[id.Key()] = teamID
	return t.Clone(), nil
}

// RemoveMember removes an agent. Losing the leader promotes the next member;
// losing the last member disbands the team and drops it from the registry.
func (c *Coordinator) RemoveMember(teamID string, id core.AgentID) (core.Team, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.teams[teamID]
	if !ok {
		return core.Team{}, core.NewNotFoundError("team", teamID)
	}
	idx := -1
	for i, m := range t.Members {
		if m.Equal(id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return core.Team{}, core.NewNotFoundError("team member", id.Key())
	}
	t.Members = append(t.Members[:idx], t.Members[idx+1:]...)
	delete(c.membership, id.Key())

	if len(t.Members) == 0 {
		t.Status = core.TeamStatusDisbanded
		delete(c.teams, teamID)
		delete(c.patterns, teamID)
		c.opts.Logger.Info("team disbanded", "team_id", teamID)
		return t.Clone(), nil
	}
	if t.Leader.Equal(id) {
		t.Leader = t.Members[0]
		c.opts.Logger.Info("team leader promoted", "team_id", teamID, "leader", t.Leader.Key())
	}
	return t.Clone(), nil
}

// Disband removes every member of a team.
func (c *Coordinator) Disband(teamID string) error {
	t, err := c.Team(teamID)
	if err != nil {
		return err
	}
	for _, m := range t.Members {
		if _, err := c.RemoveMember(teamID, m); err != nil {
			return err
		}
	}
	return nil
}

// RegisterProfile records an agent's capabilities. Workload and performance
// already tracked for the agent are kept when the new profile leaves them zero.
func (c *Coordinator) RegisterProfile(p Profile) {
	p.Agent = p.Agent.Normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.profiles[p.Agent.Key()]; ok {
		if p.Workload == 0 {
			p.Workload = existing.Workload
		}
		if p.Performance == 0 {
			p.Performance = existing.Performance
		}
	}
	if p.Performance == 0 {
		p.Performance = 0.5
	}
	p.Capabilities = append([]string(nil), p.Capabilities...)
	c.profiles[p.Agent.Key()] = &p
}

// UnregisterProfile forgets an agent's profile.
func (c *Coordinator) UnregisterProfile(id core.AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, id.Key())
}

// Profile returns the agent's profile.
func (c *Coordinator) Profile(id core.AgentID) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[id.Key()]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Profiles returns every registered profile sorted by agent key.
func (c *Coordinator) Profiles() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.Key() < out[j].Agent.Key() })
	return out
}

// RecordPerformance folds a finished assignment into the agent's profile:
// the load is released and the performance moves toward 1 on success or 0
// on failure.
func (c *Coordinator) RecordPerformance(id core.AgentID, success bool, load float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[id.Key()]
	if !ok {
		return
	}
	p.Workload -= load
	if p.Workload < 0 {
		p.Workload = 0
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	p.Performance = 0.8*p.Performance + 0.2*outcome
}

func (c *Coordinator) contextLocked(t *core.Team, extra ...core.Goal) Context {
	profiles := make(map[string]Profile, len(t.Members))
	for _, m := range t.Members {
		if p, ok := c.profiles[m.Key()]; ok {
			profiles[m.Key()] = *p
		}
	}
	goals := make([]core.Goal, 0, len(t.Goals)+len(extra))
	for _, g := range t.Goals {
		if !g.Status.Terminal() {
			goals = append(goals, g)
		}
	}
	goals = append(goals, extra...)
	return Context{Team: t.Clone(), Goals: goals, Profiles: profiles}
}

func (c *Coordinator) selectLocked(sc Context) (Strategy, map[core.Formation]float64) {
	scores := make(map[core.Formation]float64, len(c.strategies))
	var best Strategy
	bestScore := -1.0
	for _, s := range c.strategies {
		score := s.Score(sc)
		scores[s.Formation()] = score
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, scores
}

// AssignGoal decomposes a goal and assigns its sub-goals to team members
// with the best scoring strategy. Every assignment is announced to its
// assignee with a task.assigned command.
func (c *Coordinator) AssignGoal(ctx context.Context, teamID string, g core.Goal) (Plan, error) {
	return c.AssignGoalAs(ctx, c.opts.Identity, teamID, g)
}

// AssignGoalAs is AssignGoal with the announcements sent from requester, so
// that completion reports flow back to it.
func (c *Coordinator) AssignGoalAs(ctx context.Context, requester core.AgentID, teamID string, g core.Goal) (Plan, error) {
	if g.Description == "" {
		return Plan{}, core.NewValidationError("team.assign_goal", "goal description is required")
	}
	now := c.opts.Now()
	if g.ID == "" {
		g.ID = core.NewID()
	}
	if g.Type == "" {
		g.Type = core.GoalTypeAchieve
	}
	if g.Priority == "" {
		g.Priority = core.GoalPriorityMedium
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.Status = core.GoalStatusActive
	g.UpdatedAt = now

	c.mu.Lock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return Plan{}, core.NewNotFoundError("team", teamID)
	}
	sc := c.contextLocked(t, g)
	strategy, _ := c.selectLocked(sc)
	g.SubGoals = Decompose(g, now)
	assignments := strategy.Assign(sc, g.SubGoals)
	for _, a := range assignments {
		if p, ok := c.profiles[a.Agent.Key()]; ok {
			p.Workload += a.Load
		}
	}
	t.Goals = append(t.Goals, g.Clone())
	t.Status = core.TeamStatusExecuting
	c.mu.Unlock()

	plan := Plan{TeamID: teamID, Strategy: strategy.Formation(), Goal: g, Assignments: assignments}
	for _, a := range assignments {
		c.logAssignment(teamID, strategy.Formation(), a)
		for _, o := range c.opts.Observers {
			o.GoalAssigned(teamID, strategy.Formation(), a)
		}
		if c.bus == nil {
			continue
		}
		msg := core.NewMessage(requester, a.Agent, core.MessageTypeCommand, TopicTaskAssigned, TaskAssignment{
			TeamID:       teamID,
			Goal:         a.Goal,
			Role:         a.Role,
			Capability:   a.Capability,
			NeedsSupport: a.NeedsSupport,
		})
		if g.Priority.Rank() >= core.GoalPriorityHigh.Rank() {
			msg.Priority = core.PriorityHigh
		}
		if _, err := c.bus.Send(ctx, msg); err != nil {
			return plan, fmt.Errorf("announce assignment: %w", err)
		}
	}
	return plan, nil
}

// CompleteGoal marks a team goal finished. When no open goals remain the
// team returns to ACTIVE.
func (c *Coordinator) CompleteGoal(teamID, goalID string, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.teams[teamID]
	if !ok {
		return core.NewNotFoundError("team", teamID)
	}
	open := 0
	found := false
	for i := range t.Goals {
		if t.Goals[i].ID == goalID {
			found = true
			t.Goals[i].Status = core.GoalStatusCompleted
			if !success {
				t.Goals[i].Status = core.GoalStatusFailed
			}
			t.Goals[i].UpdatedAt = c.opts.Now()
		}
		if !t.Goals[i].Status.Terminal() {
			open++
		}
	}
	if !found {
		return core.NewNotFoundError("team goal", goalID)
	}
	if open == 0 {
		t.Status = core.TeamStatusActive
	}
	return nil
}

func (c *Coordinator) logAssignment(teamID string, strategy core.Formation, a Assignment) {
	if fl, ok := c.opts.Logger.(*logging.FlowLogger); ok {
		fl.LogAssignment(teamID, string(strategy), a.Goal.ID, a.Agent.Key(), a.NeedsSupport)
		return
	}
	c.opts.Logger.Info("goal assigned", "team_id", teamID, "strategy", strategy, "goal_id", a.Goal.ID, "assignee", a.Agent.Key(), "needs_support", a.NeedsSupport)
}
