package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
		kind error
	}{
		{"not found", NewNotFoundError("workflow", "wf-1"), "workflow with ID 'wf-1' not found", ErrNotFound},
		{"not found without id", &Error{Kind: ErrNotFound, Resource: "snapshot"}, "snapshot not found", ErrNotFound},
		{"already exists", NewAlreadyExistsError("agent", "a"), "agent with ID 'a' already exists", ErrAlreadyExists},
		{"validation", NewValidationError("bus.send", "missing type"), "bus.send: missing type", ErrValidation},
		{"timeout", NewTimeoutError("bus.request", 2*time.Second), "bus.request: timed out after 2s", ErrTimeout},
		{"execution", NewExecutionError("executor.work", errors.New("boom")), "executor.work: execution error: boom", ErrExecution},
		{"capacity", NewCapacityError("executor.submit", "queue full"), "executor.submit: queue full", ErrCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, tt.kind)
			assert.Equal(t, tt.kind, KindOf(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
	assert.Nil(t, KindOf(errors.New("plain")))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewExecutionError("store.save", cause)
	assert.ErrorIs(t, err, cause)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "store.save", e.Op)
}

func TestParseAgentID(t *testing.T) {
	id, err := ParseAgentID("ops:coder")
	require.NoError(t, err)
	assert.Equal(t, AgentID{Namespace: "ops", ID: "coder"}, id)
	assert.Equal(t, "ops:coder", id.Key())

	id, err = ParseAgentID("coder")
	require.NoError(t, err)
	assert.Equal(t, DefaultNamespace, id.Namespace)
	assert.True(t, id.Equal(AgentID{ID: "coder"}))

	for _, bad := range []string{"", "  ", "ops:"} {
		_, err := ParseAgentID(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestMessagePriorityText(t *testing.T) {
	b, err := json.Marshal(PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, `"URGENT"`, string(b))

	var p MessagePriority
	require.NoError(t, json.Unmarshal([]byte(`"high"`), &p))
	assert.Equal(t, PriorityHigh, p)
	assert.Error(t, json.Unmarshal([]byte(`"EXTREME"`), &p))
	assert.Equal(t, "PRIORITY(9)", MessagePriority(9).String())
}

func TestMessageAddressing(t *testing.T) {
	a, b, c := NewAgentID("t", "a"), NewAgentID("t", "b"), NewAgentID("t", "c")

	direct := NewMessage(a, b, MessageTypeInform, "greeting", "hi")
	assert.True(t, direct.IsDirect())
	assert.False(t, direct.IsBroadcast())
	assert.Equal(t, PriorityNormal, direct.Priority)
	assert.True(t, direct.Addressed(b))
	assert.False(t, direct.Addressed(c))

	multi := NewMulticastMessage(a, []AgentID{b}, MessageTypeInform, "greeting", "hi")
	assert.False(t, multi.IsDirect())
	assert.True(t, multi.Multicast)

	all := NewBroadcastMessage(a, "greeting", "hi")
	assert.True(t, all.IsBroadcast())
	assert.Equal(t, MessageTypeBroadcast, all.Type)
}

func TestMessageExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := Message{Timestamp: now, TTL: time.Minute}
	assert.False(t, m.Expired(now.Add(30*time.Second)))
	assert.True(t, m.Expired(now.Add(2*time.Minute)))
	assert.False(t, Message{Timestamp: now}.Expired(now.Add(time.Hour)))
}

func TestGoalCloneAndLeaves(t *testing.T) {
	deadline := time.Now()
	g := Goal{
		ID:          "root",
		Constraints: map[string]any{"k": "v"},
		Deadline:    &deadline,
		SubGoals: []Goal{
			{ID: "a", SubGoals: []Goal{{ID: "a1"}, {ID: "a2"}}},
			{ID: "b"},
		},
	}
	c := g.Clone()
	c.Constraints["k"] = "changed"
	c.SubGoals[0].ID = "changed"
	*c.Deadline = deadline.Add(time.Hour)

	assert.Equal(t, "v", g.Constraints["k"])
	assert.Equal(t, "a", g.SubGoals[0].ID)
	assert.Equal(t, deadline, *g.Deadline)

	var ids []string
	for _, l := range g.Leaves() {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "b"}, ids)
}

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, GoalPriorityCritical.Rank(), GoalPriorityHigh.Rank())
	assert.Greater(t, GoalPriorityHigh.Weight(), GoalPriorityMedium.Weight())
	assert.Equal(t, 0.5, GoalPriorityLow.Weight())
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, ExecutionCancelled.Terminal())
	assert.False(t, ExecutionPaused.Terminal())
	assert.True(t, GoalStatusFailed.Terminal())
	assert.False(t, GoalStatusSuspended.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
}

func TestExecutionClone(t *testing.T) {
	end := time.Now()
	e := &WorkflowExecution{
		Variables: map[string]any{"x": 1},
		Results:   map[string]StepResult{"a": {StepID: "a", Output: "A"}},
		Logs:      []ExecutionLog{{Message: "started"}},
		EndTime:   &end,
	}
	c := e.Clone()
	c.Variables["x"] = 2
	c.Results["b"] = StepResult{StepID: "b"}
	c.Logs[0].Message = "changed"

	assert.Equal(t, 1, e.Variables["x"])
	assert.Len(t, e.Results, 1)
	assert.Equal(t, "started", e.Logs[0].Message)
	assert.Equal(t, map[string]any{"a": "A"}, e.Outputs())
}

func TestFormationPattern(t *testing.T) {
	assert.Equal(t, "hub-and-spoke", FormationHierarchical.CommunicationPattern())
	assert.Equal(t, "mesh", FormationFlat.CommunicationPattern())
	assert.Equal(t, "hybrid", FormationMatrix.CommunicationPattern())
	assert.Equal(t, "adaptive", FormationDynamic.CommunicationPattern())
}

func TestDefinitionStep(t *testing.T) {
	d := &WorkflowDefinition{Steps: []Step{{ID: "a"}, {ID: "b"}}}
	s, ok := d.Step("b")
	assert.True(t, ok)
	assert.Equal(t, "b", s.ID)
	_, ok = d.Step("c")
	assert.False(t, ok)
}
