package goal

import (
	"regexp"
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// DefaultMaxDepth bounds recursive decomposition.
const DefaultMaxDepth = 3

var (
	listItemRe   = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+?)\s*$`)
	sentenceRe   = regexp.MustCompile(`[.;!?]+\s*|\n+`)
	sequenceRe   = regexp.MustCompile(`(?i)^(?:first(?:ly)?|then|next|after that|afterwards|finally|lastly)\b[,:]?\s*`)
	andThenRe    = regexp.MustCompile(`(?i),?\s+and then\s+|,?\s+then\s+`)
	conjunctRe   = regexp.MustCompile(`(?i),\s*and\s+|\s+and\s+|,\s+`)
	minClauseLen = 2
)

// clauses is one level of a split: the parts and whether they must run in
// order.
type clauses struct {
	parts      []string
	sequential bool
}

// split finds the first structure that divides text into two or more parts:
// a numbered or bulleted list, sequence-keyword sentences, "and then"
// chains, and finally plain conjunctions.
func split(text string) (clauses, bool) {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			items = append(items, m[1])
		}
	}
	if len(items) >= 2 {
		return clauses{parts: items, sequential: true}, true
	}

	var seq []string
	marked := 0
	for _, s := range sentenceRe.Split(text, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if sequenceRe.MatchString(s) {
			marked++
			s = strings.TrimSpace(sequenceRe.ReplaceAllString(s, ""))
		}
		if s != "" {
			seq = append(seq, s)
		}
	}
	if len(seq) >= 2 && marked >= 1 {
		return clauses{parts: seq, sequential: true}, true
	}

	if parts := meaningful(andThenRe.Split(text, -1)); len(parts) >= 2 {
		return clauses{parts: parts, sequential: true}, true
	}
	if parts := meaningful(conjunctRe.Split(text, -1)); len(parts) >= 2 {
		return clauses{parts: parts}, true
	}
	return clauses{}, false
}

// meaningful trims parts and rejects the split when any clause is too short
// to stand on its own ("salt and pepper").
func meaningful(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), ".,;")
		if len(words(p)) < minClauseLen {
			return nil
		}
		out = append(out, p)
	}
	return out
}

// Decompose builds the sub-goal tree of parent from its description. Parts
// of a sequential split depend on their predecessor. Sub-goals inherit type,
// priority, deadline and constraints. Returns nil when the description has no
// divisible structure.
func Decompose(parent core.Goal, maxDepth int, now time.Time) []core.Goal {
	if maxDepth <= 0 {
		return nil
	}
	c, ok := split(parent.Description)
	if !ok {
		return nil
	}
	subs := make([]core.Goal, 0, len(c.parts))
	var prev string
	for _, part := range c.parts {
		sg := core.Goal{
			ID:          core.NewID(),
			Description: part,
			Type:        parent.Type,
			Priority:    parent.Priority,
			Status:      core.GoalStatusPending,
			Constraints: parent.Constraints,
			Deadline:    parent.Deadline,
			ParentID:    parent.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if c.sequential && prev != "" {
			sg.Dependencies = []string{prev}
		}
		sg.SubGoals = Decompose(sg, maxDepth-1, now)
		subs = append(subs, sg.Clone())
		prev = sg.ID
	}
	return subs
}
