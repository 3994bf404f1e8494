package team

import (
	"math"
	"sort"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/goal"
)

// RoleCoordinator is the role given to a leader taking complex sub-goals.
const (
	RoleCoordinator  = "coordinator"
	RoleMember       = "member"
	RoleCollaborator = "collaborator"
)

// Profile describes what an agent can do and how busy it is.
type Profile struct {
	Agent        core.AgentID `json:"agent"`
	Capabilities []string     `json:"capabilities"`
	// Workload is the sum of estimated loads currently assigned.
	Workload float64 `json:"workload"`
	// Performance is a success score in [0,1].
	Performance float64 `json:"performance"`
}

// Context is what strategies score and assign against.
type Context struct {
	Team     core.Team
	Goals    []core.Goal
	Profiles map[string]Profile
}

func (c Context) profile(id core.AgentID) Profile {
	if p, ok := c.Profiles[id.Key()]; ok {
		return p
	}
	return Profile{Agent: id, Performance: 0.5}
}

// Assignment routes one sub-goal (or collaboration fragment) to a member.
type Assignment struct {
	Goal         core.Goal    `json:"goal"`
	Agent        core.AgentID `json:"agent"`
	Role         string       `json:"role"`
	Capability   string       `json:"capability,omitempty"`
	Score        float64      `json:"score"`
	Load         float64      `json:"load"`
	NeedsSupport bool         `json:"needs_support,omitempty"`
}

// Strategy is a team formation with its own assignment algorithm.
type Strategy interface {
	Formation() core.Formation
	// Score rates how well the formation fits the context, in [0,1].
	Score(c Context) float64
	Assign(c Context, subGoals []core.Goal) []Assignment
}

// DefaultStrategies returns the four built-in strategies.
func DefaultStrategies() []Strategy {
	return []Strategy{HierarchicalStrategy{}, FlatStrategy{}, MatrixStrategy{}, DynamicStrategy{}}
}

// CapabilitiesConstraint is the goal constraint key pinning the capabilities
// a sub-goal needs.
const CapabilitiesConstraint = "capabilities"

// RequiredCapabilities returns the pinned capabilities of g or infers them
// from its description.
func RequiredCapabilities(g core.Goal) []string {
	switch v := g.Constraints[CapabilitiesConstraint].(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []any:
		caps := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
		if len(caps) > 0 {
			return caps
		}
	}
	return goal.RequiredCapabilities(g.Description)
}

// bestMatch returns the candidate with the highest capability overlap. The
// first enumerated candidate wins ties.
func bestMatch(c Context, candidates []core.AgentID, required []string) (core.AgentID, float64) {
	var best core.AgentID
	bestScore := -1.0
	for _, id := range candidates {
		s := goal.CapabilityMatch(c.profile(id).Capabilities, required)
		if s > bestScore {
			best, bestScore = id, s
		}
	}
	return best, bestScore
}

func capabilityAssignment(c Context, candidates []core.AgentID, g core.Goal) Assignment {
	id, score := bestMatch(c, candidates, RequiredCapabilities(g))
	return Assignment{Goal: g, Agent: id, Role: RoleMember, Score: score, Load: goal.EstimateLoad(g), NeedsSupport: score <= 0}
}

func averageComplexity(goals []core.Goal) float64 {
	if len(goals) == 0 {
		return 0
	}
	sum := 0.0
	for _, g := range goals {
		sum += goal.Complexity(g)
	}
	return sum / float64(len(goals))
}

func clamp(v float64) float64 { return math.Max(0, math.Min(1, v)) }

// HierarchicalStrategy sends complex work to the leader and spreads the rest
// across the other members.
type HierarchicalStrategy struct{}

func (HierarchicalStrategy) Formation() core.Formation { return core.FormationHierarchical }

func (HierarchicalStrategy) Score(c Context) float64 {
	s := 0.5
	if len(c.Team.Members) > 3 {
		s += 0.2
	}
	if averageComplexity(c.Goals) > 0.6 {
		s += 0.2
	}
	if c.profile(c.Team.Leader).Performance >= 0.8 {
		s += 0.1
	}
	return clamp(s)
}

func (HierarchicalStrategy) Assign(c Context, subGoals []core.Goal) []Assignment {
	var others []core.AgentID
	for _, m := range c.Team.Members {
		if !m.Equal(c.Team.Leader) {
			others = append(others, m)
		}
	}
	out := make([]Assignment, 0, len(subGoals))
	for _, sg := range subGoals {
		if goal.Complexity(sg) > 0.6 || len(others) == 0 {
			out = append(out, Assignment{
				Goal:  sg,
				Agent: c.Team.Leader,
				Role:  RoleCoordinator,
				Score: goal.CapabilityMatch(c.profile(c.Team.Leader).Capabilities, RequiredCapabilities(sg)),
				Load:  goal.EstimateLoad(sg),
			})
			continue
		}
		out = append(out, capabilityAssignment(c, others, sg))
	}
	return out
}

// FlatStrategy routes every sub-goal to the best capability match.
type FlatStrategy struct{}

func (FlatStrategy) Formation() core.Formation { return core.FormationFlat }

func (FlatStrategy) Score(c Context) float64 {
	s := 0.5
	n := len(c.Team.Members)
	if n <= 3 {
		s += 0.3
	}
	if n > 7 {
		s -= 0.2
	}
	if len(c.Goals) > 0 && averageComplexity(c.Goals) < 0.4 {
		s += 0.1
	}
	return clamp(s)
}

func (FlatStrategy) Assign(c Context, subGoals []core.Goal) []Assignment {
	out := make([]Assignment, 0, len(subGoals))
	for _, sg := range subGoals {
		out = append(out, capabilityAssignment(c, c.Team.Members, sg))
	}
	return out
}

// MatrixStrategy splits multi-capability work into one collaboration
// fragment per capability.
type MatrixStrategy struct{}

func (MatrixStrategy) Formation() core.Formation { return core.FormationMatrix }

func (MatrixStrategy) Score(c Context) float64 {
	s := 0.4
	if len(c.Goals) > 0 {
		total := 0
		for _, g := range c.Goals {
			total += len(RequiredCapabilities(g))
		}
		if float64(total)/float64(len(c.Goals)) > 1 {
			s += 0.3
		}
	}
	if len(c.Team.Members) > 7 {
		s += 0.2
	}
	return clamp(s)
}

func (MatrixStrategy) Assign(c Context, subGoals []core.Goal) []Assignment {
	var out []Assignment
	for _, sg := range subGoals {
		caps := RequiredCapabilities(sg)
		if len(caps) <= 1 {
			out = append(out, capabilityAssignment(c, c.Team.Members, sg))
			continue
		}
		for _, capability := range caps {
			frag := sg.Clone()
			frag.ID = core.NewID()
			frag.ParentID = sg.ID
			frag.Description = sg.Description + " (" + capability + ")"
			frag.Constraints = map[string]any{CapabilitiesConstraint: []string{capability}}
			a := capabilityAssignment(c, c.Team.Members, frag)
			a.Role = RoleCollaborator
			a.Capability = capability
			out = append(out, a)
		}
	}
	return out
}

// DynamicStrategy balances load: highest priority first, each to the least
// loaded capable member.
type DynamicStrategy struct{}

func (DynamicStrategy) Formation() core.Formation { return core.FormationDynamic }

func (DynamicStrategy) Score(c Context) float64 {
	s := 0.4
	n := len(c.Team.Members)
	if n > 0 {
		mean := 0.0
		for _, m := range c.Team.Members {
			mean += c.profile(m).Workload
		}
		mean /= float64(n)
		variance := 0.0
		for _, m := range c.Team.Members {
			d := c.profile(m).Workload - mean
			variance += d * d
		}
		if math.Sqrt(variance/float64(n)) > 10 {
			s += 0.3
		}
	}
	if len(c.Goals) > n {
		s += 0.1
	}
	return clamp(s)
}

func (DynamicStrategy) Assign(c Context, subGoals []core.Goal) []Assignment {
	ordered := append([]core.Goal(nil), subGoals...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() > ordered[j].Priority.Rank()
	})
	loads := make(map[string]float64, len(c.Team.Members))
	for _, m := range c.Team.Members {
		loads[m.Key()] = c.profile(m).Workload
	}
	leastLoaded := func(candidates []core.AgentID) core.AgentID {
		best := candidates[0]
		for _, m := range candidates[1:] {
			if loads[m.Key()] < loads[best.Key()] {
				best = m
			}
		}
		return best
	}

	out := make([]Assignment, 0, len(ordered))
	for _, sg := range ordered {
		required := RequiredCapabilities(sg)
		var capable []core.AgentID
		for _, m := range c.Team.Members {
			if goal.CapabilityMatch(c.profile(m).Capabilities, required) > 0 {
				capable = append(capable, m)
			}
		}
		a := Assignment{Goal: sg, Role: RoleMember, Load: goal.EstimateLoad(sg)}
		if len(capable) > 0 {
			a.Agent = leastLoaded(capable)
			a.Score = goal.CapabilityMatch(c.profile(a.Agent).Capabilities, required)
		} else {
			a.Agent = leastLoaded(c.Team.Members)
			a.NeedsSupport = true
		}
		loads[a.Agent.Key()] += a.Load
		out = append(out, a)
	}
	return out
}

var (
	_ Strategy = HierarchicalStrategy{}
	_ Strategy = FlatStrategy{}
	_ Strategy = MatrixStrategy{}
	_ Strategy = DynamicStrategy{}
)
