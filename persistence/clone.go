package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentflow/core"
)

// roundTrip copies v through its JSON form, the same shape a durable store
// returns.
func roundTrip[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &out, nil
}

func cloneSnapshot(s *core.Snapshot) *core.Snapshot {
	c := *s
	c.State = append([]byte(nil), s.State...)
	return &c
}

func errClosed(op string) error {
	return core.NewValidationError(op, "store is closed")
}
