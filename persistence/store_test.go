package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
)

func stores(t *testing.T) map[string]func(t *testing.T) core.WorkflowStore {
	return map[string]func(t *testing.T) core.WorkflowStore{
		"memory": func(t *testing.T) core.WorkflowStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) core.WorkflowStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "flow.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func sampleExecution(id string, status core.ExecutionStatus) *core.WorkflowExecution {
	return &core.WorkflowExecution{
		ID:          id,
		WorkflowID:  "wf",
		Status:      status,
		CurrentStep: "a",
		Variables:   map[string]any{"n": 1.0, "name": "x"},
		Results: map[string]core.StepResult{
			"a": {StepID: "a", Success: true, Output: "done", Duration: time.Millisecond},
		},
		StartTime: time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.FixedZone("CEST", 2*3600)),
	}
}

func TestStores_Executions(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			exec := sampleExecution("e1", core.ExecutionRunning)
			require.NoError(t, s.SaveExecution(ctx, exec))
			assert.ErrorIs(t, s.SaveExecution(ctx, exec), core.ErrAlreadyExists)

			got, err := s.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "wf", got.WorkflowID)
			assert.Equal(t, exec.Variables, got.Variables)
			assert.Equal(t, exec.Results["a"].Output, got.Results["a"].Output)
			assert.True(t, exec.StartTime.Equal(got.StartTime), "start time must round-trip to the nanosecond")

			end := exec.StartTime.Add(time.Second)
			exec.Status = core.ExecutionCompleted
			exec.EndTime = &end
			require.NoError(t, s.UpdateExecution(ctx, exec))
			got, err = s.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, core.ExecutionCompleted, got.Status)
			require.NotNil(t, got.EndTime)
			assert.True(t, end.Equal(*got.EndTime))

			assert.ErrorIs(t, s.UpdateExecution(ctx, sampleExecution("nope", core.ExecutionRunning)), core.ErrNotFound)
			_, err = s.GetExecution(ctx, "nope")
			assert.ErrorIs(t, err, core.ErrNotFound)

			require.NoError(t, s.SaveExecution(ctx, sampleExecution("e2", core.ExecutionRunning)))
			require.NoError(t, s.SaveExecution(ctx, sampleExecution("e3", core.ExecutionPaused)))
			running, err := s.ListExecutions(ctx, core.ExecutionRunning)
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, "e2", running[0].ID)
			all, err := s.ListExecutions(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, s.DeleteExecution(ctx, "e2"))
			assert.ErrorIs(t, s.DeleteExecution(ctx, "e2"), core.ErrNotFound)
		})
	}
}

func TestStores_Snapshots(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			base := time.Now()
			for i, id := range []string{"s1", "s2", "s3"} {
				require.NoError(t, s.SaveSnapshot(ctx, &core.Snapshot{
					ID:          id,
					ExecutionID: "e1",
					Timestamp:   base.Add(time.Duration(i) * time.Second),
					State:       json.RawMessage(`{"step":"` + id + `"}`),
					Checksum:    "c-" + id,
				}))
			}

			latest, err := s.GetLatestSnapshot(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "s3", latest.ID)
			assert.JSONEq(t, `{"step":"s3"}`, string(latest.State))

			snap, err := s.GetSnapshot(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "c-s1", snap.Checksum)

			require.NoError(t, s.DeleteSnapshots(ctx, "e1"))
			_, err = s.GetLatestSnapshot(ctx, "e1")
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestStores_DefinitionsAndLogs(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			def := &core.WorkflowDefinition{ID: "wf-b", Name: "b", Steps: []core.Step{
				{ID: "a", Type: core.StepScript, Config: map[string]any{"source": "x"}, Next: []string{"b"}, Timeout: time.Second},
				{ID: "b", Type: core.StepHTTP, Retries: 2},
			}}
			require.NoError(t, s.SaveWorkflowDefinition(ctx, def))
			require.NoError(t, s.SaveWorkflowDefinition(ctx, &core.WorkflowDefinition{ID: "wf-a", Steps: []core.Step{{ID: "x", Type: core.StepScript}}}))

			got, err := s.GetWorkflowDefinition(ctx, "wf-b")
			require.NoError(t, err)
			assert.Equal(t, def.Steps[0].Timeout, got.Steps[0].Timeout)
			assert.Equal(t, []string{"b"}, got.Steps[0].Next)

			defs, err := s.ListWorkflowDefinitions(ctx)
			require.NoError(t, err)
			require.Len(t, defs, 2)
			assert.Equal(t, "wf-a", defs[0].ID)

			_, err = s.GetWorkflowDefinition(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrNotFound)

			now := time.Now()
			var logs []core.ExecutionLog
			for i := 0; i < 5; i++ {
				logs = append(logs, core.ExecutionLog{Timestamp: now.Add(time.Duration(i)), Level: core.LogLevelInfo, Message: string(rune('a' + i))})
			}
			require.NoError(t, s.SaveLogs(ctx, "e1", logs[:3]))
			require.NoError(t, s.SaveLogs(ctx, "e1", logs[3:]))

			recent, err := s.GetLogs(ctx, "e1", 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "d", recent[0].Message)
			assert.Equal(t, "e", recent[1].Message)

			all, err := s.GetLogs(ctx, "e1", 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "flow.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveExecution(ctx, sampleExecution("e1", core.ExecutionRunning)))
	require.NoError(t, s.SaveLogs(ctx, "e1", []core.ExecutionLog{{Timestamp: time.Now(), Level: core.LogLevelWarn, Message: "slow"}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionRunning, got.Status)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, core.LogLevelWarn, got.Logs[0].Level)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	err := s.SaveExecution(context.Background(), sampleExecution("e1", core.ExecutionRunning))
	assert.ErrorIs(t, err, core.ErrValidation)
}
