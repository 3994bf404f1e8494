package intent

import (
	"context"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Entity is a typed span found in the text. Position is the byte offset of
// the match.
type Entity struct {
	Type       string  `json:"type" validate:"required"`
	Value      string  `json:"value" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Position   int     `json:"position" validate:"gte=0" description:"byte offset in the text"`
}

// Understanding is the structured reading of a request.
type Understanding struct {
	Intent           string            `json:"intent" validate:"required"`
	Confidence       float64           `json:"confidence" validate:"gte=0,lte=1"`
	Entities         []Entity          `json:"entities" validate:"dive"`
	InferredType     core.GoalType     `json:"inferred_type" validate:"required,oneof=ACHIEVE MAINTAIN QUERY PERFORM PREVENT"`
	InferredPriority core.GoalPriority `json:"inferred_priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	InferredDeadline *time.Time        `json:"inferred_deadline,omitempty" description:"only when the text implies one"`
}

// Parser reads free text.
type Parser interface {
	Parse(ctx context.Context, text string) (Understanding, error)
}

// ToGoal builds a pending goal from text and its understanding. Entities
// and the intent are kept as constraints.
func ToGoal(text string, u Understanding) core.Goal {
	g := core.Goal{
		Description: text,
		Type:        u.InferredType,
		Priority:    u.InferredPriority,
		Status:      core.GoalStatusPending,
		Deadline:    u.InferredDeadline,
		Constraints: map[string]any{"intent": u.Intent},
	}
	if len(u.Entities) > 0 {
		entities := make([]map[string]any, len(u.Entities))
		for i, e := range u.Entities {
			entities[i] = map[string]any{"type": e.Type, "value": e.Value}
		}
		g.Constraints["entities"] = entities
	}
	return g
}

// ParseGoal parses text with p and converts the result to a goal.
func ParseGoal(ctx context.Context, p Parser, text string) (core.Goal, Understanding, error) {
	u, err := p.Parse(ctx, text)
	if err != nil {
		return core.Goal{}, Understanding{}, err
	}
	return ToGoal(text, u), u, nil
}
