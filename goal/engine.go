// Package goal implements the per-agent goal engine: a goal table with a
// dependency graph, a ready queue and goal decomposition into tasks.
package goal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/pqueue"
	"github.com/hupe1980/agentflow/logging"
)

// Options configures an Engine.
type Options struct {
	Logger   logging.Logger
	MaxDepth int
	Now      func() time.Time
}

type readyItem struct {
	id       string
	rank     int
	deadline *time.Time
}

// readyLess orders by priority desc, then deadline asc with goals without a
// deadline last.
func readyLess(a, b readyItem) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	switch {
	case a.deadline != nil && b.deadline != nil:
		return a.deadline.Before(*b.deadline)
	case a.deadline != nil:
		return true
	default:
		return false
	}
}

// Engine tracks the goals of one agent. It is safe for concurrent use.
type Engine struct {
	owner core.AgentID
	opts  Options

	mu         sync.Mutex
	goals      map[string]*core.Goal
	dependents map[string][]string
	ready      *pqueue.Queue[readyItem]
	enqueued   map[string]bool
}

// NewEngine creates a goal engine owned by owner.
func NewEngine(owner core.AgentID, optFns ...func(o *Options)) *Engine {
	opts := Options{Logger: logging.NoOpLogger{}, MaxDepth: DefaultMaxDepth, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		owner:      owner.Normalize(),
		opts:       opts,
		goals:      make(map[string]*core.Goal),
		dependents: make(map[string][]string),
		ready:      pqueue.New(readyLess),
		enqueued:   make(map[string]bool),
	}
}

// Owner returns the agent owning this engine.
func (e *Engine) Owner() core.AgentID { return e.owner }

// AddGoal validates and stores a goal, filling in defaults. The goal is
// queued when it is ready. A goal depending on an already failed goal fails
// immediately.
func (e *Engine) AddGoal(g core.Goal) (core.Goal, error) {
	if g.Description == "" {
		return core.Goal{}, core.NewValidationError("goal.add", "description is required")
	}
	now := e.opts.Now()
	if g.ID == "" {
		g.ID = core.NewID()
	}
	if g.Type == "" {
		g.Type = core.GoalTypeAchieve
	}
	if g.Priority == "" {
		g.Priority = core.GoalPriorityMedium
	}
	if g.Status == "" {
		g.Status = core.GoalStatusPending
	}
	if g.Status != core.GoalStatusPending {
		return core.Goal{}, core.NewValidationError("goal.add", fmt.Sprintf("new goals must be %s, got %s", core.GoalStatusPending, g.Status))
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	for _, dep := range g.Dependencies {
		if dep == g.ID {
			return core.Goal{}, core.NewValidationError("goal.add", "goal cannot depend on itself")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.goals[g.ID]; ok {
		return core.Goal{}, core.NewAlreadyExistsError("goal", g.ID)
	}
	stored := g.Clone()
	e.goals[g.ID] = &stored
	for _, dep := range g.Dependencies {
		e.dependents[dep] = append(e.dependents[dep], g.ID)
		if d, ok := e.goals[dep]; ok && d.Status == core.GoalStatusFailed {
			e.failLocked(&stored, fmt.Sprintf("dependency %s failed", dep))
			return stored.Clone(), nil
		}
	}
	e.enqueueIfReadyLocked(&stored)
	e.opts.Logger.Debug("goal added", "goal_id", g.ID, "owner", e.owner.Key(), "ready", e.enqueued[g.ID])
	return stored.Clone(), nil
}

// Goal returns a copy of the goal.
func (e *Engine) Goal(id string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.goals[id]
	if !ok {
		return core.Goal{}, core.NewNotFoundError("goal", id)
	}
	return g.Clone(), nil
}

// Goals returns every goal ordered by creation time.
func (e *Engine) Goals() []core.Goal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Goal, 0, len(e.goals))
	for _, g := range e.goals {
		out = append(out, g.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// IsReady reports whether the goal is pending with every dependency completed.
func (e *Engine) IsReady(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.goals[id]
	return ok && e.readyLocked(g)
}

func (e *Engine) readyLocked(g *core.Goal) bool {
	if g.Status != core.GoalStatusPending {
		return false
	}
	for _, dep := range g.Dependencies {
		d, ok := e.goals[dep]
		if !ok || d.Status != core.GoalStatusCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) enqueueIfReadyLocked(g *core.Goal) {
	if e.enqueued[g.ID] || !e.readyLocked(g) {
		return
	}
	e.enqueued[g.ID] = true
	e.ready.Push(readyItem{id: g.ID, rank: g.Priority.Rank(), deadline: g.Deadline})
}

func (e *Engine) dequeueLocked(id string) {
	e.ready.RemoveFunc(func(it readyItem) bool { return it.id == id })
}

// Ready returns the queued goals in dequeue order without removing them.
func (e *Engine) Ready() []core.Goal {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.ready.Drain()
	out := make([]core.Goal, 0, len(items))
	for _, it := range items {
		e.ready.Push(it)
		out = append(out, e.goals[it.id].Clone())
	}
	return out
}

// NextReady pops the most urgent ready goal.
func (e *Engine) NextReady() (core.Goal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		it, ok := e.ready.Pop()
		if !ok {
			return core.Goal{}, false
		}
		if g, ok := e.goals[it.id]; ok && e.readyLocked(g) {
			return g.Clone(), true
		}
	}
}

func (e *Engine) transition(op, id string, from []core.GoalStatus, to core.GoalStatus) (*core.Goal, error) {
	g, ok := e.goals[id]
	if !ok {
		return nil, core.NewNotFoundError("goal", id)
	}
	for _, s := range from {
		if g.Status == s {
			g.Status = to
			g.UpdatedAt = e.opts.Now()
			return g, nil
		}
	}
	return nil, core.NewValidationError(op, fmt.Sprintf("goal %s cannot move from %s to %s", id, g.Status, to))
}

// Activate moves a ready goal to ACTIVE.
func (e *Engine) Activate(id string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.goals[id]; ok && g.Status == core.GoalStatusPending && !e.readyLocked(g) {
		return core.Goal{}, core.NewValidationError("goal.activate", fmt.Sprintf("goal %s has unfinished dependencies", id))
	}
	g, err := e.transition("goal.activate", id, []core.GoalStatus{core.GoalStatusPending}, core.GoalStatusActive)
	if err != nil {
		return core.Goal{}, err
	}
	e.dequeueLocked(id)
	return g.Clone(), nil
}

// Complete marks an active goal COMPLETED and queues each dependent that
// became ready.
func (e *Engine) Complete(id string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.transition("goal.complete", id, []core.GoalStatus{core.GoalStatusActive}, core.GoalStatusCompleted)
	if err != nil {
		return core.Goal{}, err
	}
	for _, depID := range e.dependents[id] {
		if d, ok := e.goals[depID]; ok {
			e.enqueueIfReadyLocked(d)
		}
	}
	return g.Clone(), nil
}

// Fail marks a pending or active goal FAILED and fails its pending and
// suspended dependents transitively.
func (e *Engine) Fail(id, reason string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.goals[id]
	if !ok {
		return core.Goal{}, core.NewNotFoundError("goal", id)
	}
	if g.Status != core.GoalStatusPending && g.Status != core.GoalStatusActive {
		return core.Goal{}, core.NewValidationError("goal.fail", fmt.Sprintf("goal %s cannot move from %s to %s", id, g.Status, core.GoalStatusFailed))
	}
	e.failLocked(g, reason)
	return g.Clone(), nil
}

func (e *Engine) failLocked(g *core.Goal, reason string) {
	g.Status = core.GoalStatusFailed
	g.Error = reason
	g.UpdatedAt = e.opts.Now()
	e.dequeueLocked(g.ID)
	for _, depID := range e.dependents[g.ID] {
		d, ok := e.goals[depID]
		if ok && (d.Status == core.GoalStatusPending || d.Status == core.GoalStatusSuspended) {
			e.failLocked(d, fmt.Sprintf("dependency %s failed", g.ID))
		}
	}
}

// Suspend parks a pending or active goal.
func (e *Engine) Suspend(id string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.transition("goal.suspend", id, []core.GoalStatus{core.GoalStatusPending, core.GoalStatusActive}, core.GoalStatusSuspended)
	if err != nil {
		return core.Goal{}, err
	}
	e.dequeueLocked(id)
	delete(e.enqueued, id)
	return g.Clone(), nil
}

// Resume returns a suspended goal to PENDING, queueing it when ready.
func (e *Engine) Resume(id string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.transition("goal.resume", id, []core.GoalStatus{core.GoalStatusSuspended}, core.GoalStatusPending)
	if err != nil {
		return core.Goal{}, err
	}
	e.enqueueIfReadyLocked(g)
	return g.Clone(), nil
}

// DecomposeGoal replaces the goal's sub-goal tree with one derived from its
// description. A goal without divisible structure keeps no sub-goals.
func (e *Engine) DecomposeGoal(id string) (core.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.goals[id]
	if !ok {
		return core.Goal{}, core.NewNotFoundError("goal", id)
	}
	g.SubGoals = Decompose(*g, e.opts.MaxDepth, e.opts.Now())
	g.UpdatedAt = e.opts.Now()
	return g.Clone(), nil
}

// GoalToTasks creates one task per leaf of the goal's sub-goal tree,
// assigned to and requested by the owning agent.
func (e *Engine) GoalToTasks(id string) ([]core.Task, error) {
	e.mu.Lock()
	g, ok := e.goals[id]
	var leaves []core.Goal
	if ok {
		leaves = g.Leaves()
	}
	e.mu.Unlock()
	if !ok {
		return nil, core.NewNotFoundError("goal", id)
	}
	now := e.opts.Now()
	tasks := make([]core.Task, 0, len(leaves))
	for _, leaf := range leaves {
		tasks = append(tasks, core.Task{
			ID:           core.NewID(),
			GoalID:       leaf.ID,
			AssignedTo:   e.owner,
			RequestedBy:  e.owner,
			Description:  leaf.Description,
			Status:       core.TaskStatusPending,
			Priority:     leaf.Priority,
			Capabilities: RequiredCapabilities(leaf.Description),
			CreatedAt:    now,
		})
	}
	return tasks, nil
}
