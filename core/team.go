package core

import "time"

// Formation is the organizational structure of a team.
type Formation string

const (
	FormationHierarchical Formation = "HIERARCHICAL"
	FormationFlat         Formation = "FLAT"
	FormationMatrix       Formation = "MATRIX"
	FormationDynamic      Formation = "DYNAMIC"
)

// CommunicationPattern returns the message topology used by a formation.
func (f Formation) CommunicationPattern() string {
	switch f {
	case FormationHierarchical:
		return "hub-and-spoke"
	case FormationFlat:
		return "mesh"
	case FormationMatrix:
		return "hybrid"
	case FormationDynamic:
		return "adaptive"
	}
	return ""
}

// TeamStatus is the lifecycle state of a team.
type TeamStatus string

const (
	TeamStatusForming   TeamStatus = "FORMING"
	TeamStatusActive    TeamStatus = "ACTIVE"
	TeamStatusExecuting TeamStatus = "EXECUTING"
	TeamStatusDisbanded TeamStatus = "DISBANDED"
)

// Team is a group of agents working on shared goals. The leader is always
// one of the members.
type Team struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Leader    AgentID    `json:"leader"`
	Members   []AgentID  `json:"members"`
	Goals     []Goal     `json:"goals,omitempty"`
	Formation Formation  `json:"formation"`
	Status    TeamStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasMember reports whether id is a member of the team.
func (t Team) HasMember(id AgentID) bool {
	for _, m := range t.Members {
		if m.Equal(id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the team.
func (t Team) Clone() Team {
	c := t
	c.Members = append([]AgentID(nil), t.Members...)
	if t.Goals != nil {
		c.Goals = make([]Goal, len(t.Goals))
		for i, g := range t.Goals {
			c.Goals[i] = g.Clone()
		}
	}
	return c
}
