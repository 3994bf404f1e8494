package core

import (
	"time"
)

// GoalType describes what kind of outcome a goal asks for.
type GoalType string

const (
	GoalTypeAchieve  GoalType = "ACHIEVE"
	GoalTypeMaintain GoalType = "MAINTAIN"
	GoalTypeQuery    GoalType = "QUERY"
	GoalTypePerform  GoalType = "PERFORM"
	GoalTypePrevent  GoalType = "PREVENT"
)

// GoalPriority ranks goals in ready queues and assignment strategies.
type GoalPriority string

const (
	GoalPriorityCritical GoalPriority = "CRITICAL"
	GoalPriorityHigh     GoalPriority = "HIGH"
	GoalPriorityMedium   GoalPriority = "MEDIUM"
	GoalPriorityLow      GoalPriority = "LOW"
)

// Rank returns a comparable ordering value (higher is more important).
func (p GoalPriority) Rank() int {
	switch p {
	case GoalPriorityCritical:
		return 3
	case GoalPriorityHigh:
		return 2
	case GoalPriorityMedium:
		return 1
	default:
		return 0
	}
}

// Weight is the multiplier used when estimating task load.
func (p GoalPriority) Weight() float64 {
	switch p {
	case GoalPriorityCritical:
		return 2.0
	case GoalPriorityHigh:
		return 1.5
	case GoalPriorityMedium:
		return 1.0
	default:
		return 0.5
	}
}

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalStatusPending   GoalStatus = "PENDING"
	GoalStatusActive    GoalStatus = "ACTIVE"
	GoalStatusCompleted GoalStatus = "COMPLETED"
	GoalStatusFailed    GoalStatus = "FAILED"
	GoalStatusSuspended GoalStatus = "SUSPENDED"
)

// Terminal reports whether no further transitions are possible.
func (s GoalStatus) Terminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusFailed
}

// Goal is a desired outcome owned by one agent. Sub-goals form a tree whose
// leaves become tasks.
type Goal struct {
	ID           string         `json:"id"`
	Description  string         `json:"description" validate:"required"`
	Type         GoalType       `json:"type"`
	Priority     GoalPriority   `json:"priority"`
	Status       GoalStatus     `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	SubGoals     []Goal         `json:"sub_goals,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the goal tree.
func (g Goal) Clone() Goal {
	c := g
	c.Dependencies = append([]string(nil), g.Dependencies...)
	if g.Constraints != nil {
		c.Constraints = make(map[string]any, len(g.Constraints))
		for k, v := range g.Constraints {
			c.Constraints[k] = v
		}
	}
	if g.Deadline != nil {
		d := *g.Deadline
		c.Deadline = &d
	}
	if g.SubGoals != nil {
		c.SubGoals = make([]Goal, len(g.SubGoals))
		for i, sg := range g.SubGoals {
			c.SubGoals[i] = sg.Clone()
		}
	}
	return c
}

// Leaves returns the leaf goals of the tree rooted at g (g itself when it has
// no sub-goals), depth first.
func (g Goal) Leaves() []Goal {
	if len(g.SubGoals) == 0 {
		return []Goal{g}
	}
	var leaves []Goal
	for _, sg := range g.SubGoals {
		leaves = append(leaves, sg.Leaves()...)
	}
	return leaves
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the task reached an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of work created from a leaf goal. The assignee owns it until
// it reaches a terminal status; RequestedBy receives the completion report.
type Task struct {
	ID           string       `json:"id"`
	GoalID       string       `json:"goal_id"`
	AssignedTo   AgentID      `json:"assigned_to"`
	RequestedBy  AgentID      `json:"requested_by,omitempty"`
	Description  string       `json:"description"`
	Status       TaskStatus   `json:"status"`
	Priority     GoalPriority `json:"priority,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Result       any          `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}
