package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultNamespace is used when an AgentID is created without a namespace.
const DefaultNamespace = "default"

// NewID generates a new unique identifier for messages, goals, tasks, teams,
// executions and snapshots.
func NewID() string { return uuid.NewString() }

// AgentID addresses an agent on the bus. Two ids are the same agent when
// their keys match.
type AgentID struct {
	ID        string `json:"id" yaml:"id" validate:"required"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// NewAgentID builds an AgentID in the given namespace (DefaultNamespace when empty).
func NewAgentID(namespace, id string) AgentID {
	return AgentID{ID: id, Namespace: namespace}.Normalize()
}

// ParseAgentID parses "namespace:id" or a bare "id".
func ParseAgentID(s string) (AgentID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AgentID{}, NewValidationError("parse agent id", "empty agent id")
	}
	ns, id, found := strings.Cut(s, ":")
	if !found {
		return NewAgentID("", ns), nil
	}
	if id == "" {
		return AgentID{}, NewValidationError("parse agent id", fmt.Sprintf("missing id in %q", s))
	}
	return NewAgentID(ns, id), nil
}

// Normalize fills in the default namespace.
func (a AgentID) Normalize() AgentID {
	if a.Namespace == "" {
		a.Namespace = DefaultNamespace
	}
	return a
}

// Key returns the identity key "namespace:id".
func (a AgentID) Key() string {
	n := a.Normalize()
	return n.Namespace + ":" + n.ID
}

// IsZero reports whether the id is unset.
func (a AgentID) IsZero() bool { return a.ID == "" }

// Equal compares identity keys.
func (a AgentID) Equal(b AgentID) bool { return a.Key() == b.Key() }

func (a AgentID) String() string { return a.Key() }
