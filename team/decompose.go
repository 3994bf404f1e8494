package team

import (
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/goal"
)

// PhaseThreshold is the complexity above which a goal is split into phases.
const PhaseThreshold = 0.7

var phases = []struct {
	title      string
	capability string
}{
	{"Analysis", "research"},
	{"Design", "design"},
	{"Implementation", "coding"},
	{"Validation", "testing"},
}

// Decompose splits a goal for team execution. Complex goals become four
// sequential phases; the rest are split into one parallel sub-goal per
// required capability.
func Decompose(g core.Goal, now time.Time) []core.Goal {
	if goal.Complexity(g) > PhaseThreshold {
		return phaseDecompose(g, now)
	}
	return aspectDecompose(g, now)
}

func subGoal(parent core.Goal, description, capability string, now time.Time) core.Goal {
	return core.Goal{
		ID:          core.NewID(),
		Description: description,
		Type:        parent.Type,
		Priority:    parent.Priority,
		Status:      core.GoalStatusPending,
		Deadline:    parent.Deadline,
		ParentID:    parent.ID,
		Constraints: map[string]any{CapabilitiesConstraint: []string{capability}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func phaseDecompose(g core.Goal, now time.Time) []core.Goal {
	subject := strings.TrimSpace(g.Description)
	out := make([]core.Goal, 0, len(phases))
	var prev string
	for _, p := range phases {
		sg := subGoal(g, p.title+": "+subject, p.capability, now)
		if prev != "" {
			sg.Dependencies = []string{prev}
		}
		prev = sg.ID
		out = append(out, sg)
	}
	return out
}

func aspectDecompose(g core.Goal, now time.Time) []core.Goal {
	caps := goal.RequiredCapabilities(g.Description)
	out := make([]core.Goal, 0, len(caps))
	for _, c := range caps {
		out = append(out, subGoal(g, g.Description+" ["+c+"]", c, now))
	}
	return out
}
