package team

import (
	"context"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// StructureChange is the body of a team.structure_changed notice.
type StructureChange struct {
	TeamID               string         `json:"team_id"`
	From                 core.Formation `json:"from"`
	To                   core.Formation `json:"to"`
	CommunicationPattern string         `json:"communication_pattern"`
}

// Optimization reports one optimizer pass over a team.
type Optimization struct {
	TeamID   string                     `json:"team_id"`
	Previous core.Formation             `json:"previous"`
	Current  core.Formation             `json:"current"`
	Changed  bool                       `json:"changed"`
	Scores   map[core.Formation]float64 `json:"scores"`
}

// OptimizeTeamFormation re-scores every strategy for the team and switches
// formation when the best challenger beats the incumbent by more than the
// improvement threshold. Members are told about the change over the bus.
func (c *Coordinator) OptimizeTeamFormation(ctx context.Context, teamID string) (Optimization, error) {
	c.mu.Lock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return Optimization{}, core.NewNotFoundError("team", teamID)
	}
	sc := c.contextLocked(t)
	best, scores := c.selectLocked(sc)
	res := Optimization{TeamID: teamID, Previous: t.Formation, Current: t.Formation, Scores: scores}
	incumbent, known := scores[t.Formation]
	if !known {
		incumbent = 0
	}
	if best == nil || best.Formation() == t.Formation || scores[best.Formation()]-incumbent <= c.opts.ImprovementThreshold {
		c.mu.Unlock()
		return res, nil
	}
	t.Formation = best.Formation()
	c.patterns[teamID] = t.Formation.CommunicationPattern()
	res.Current = t.Formation
	res.Changed = true
	members := append([]core.AgentID(nil), t.Members...)
	c.mu.Unlock()

	c.opts.Logger.Info("team formation changed", "team_id", teamID, "from", res.Previous, "to", res.Current)
	for _, o := range c.opts.Observers {
		o.FormationChanged(teamID, res.Previous, res.Current)
	}
	if c.bus != nil {
		msg := core.NewMulticastMessage(c.opts.Identity, members, core.MessageTypeInform, TopicStructureChanged, StructureChange{
			TeamID:               teamID,
			From:                 res.Previous,
			To:                   res.Current,
			CommunicationPattern: res.Current.CommunicationPattern(),
		})
		if _, err := c.bus.Send(ctx, msg); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Run optimizes every active team each interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range c.Teams() {
				if t.Status != core.TeamStatusActive && t.Status != core.TeamStatusExecuting {
					continue
				}
				if _, err := c.OptimizeTeamFormation(ctx, t.ID); err != nil {
					c.opts.Logger.Warn("team optimization failed", "team_id", t.ID, "error", err)
				}
			}
		}
	}
}
