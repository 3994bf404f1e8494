package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// StateManager persists executions, their logs and snapshots through a
// core.WorkflowStore.
type StateManager struct {
	store  core.WorkflowStore
	logger logging.Logger
	now    func() time.Time
}

// NewStateManager wraps store.
func NewStateManager(store core.WorkflowStore, logger logging.Logger, now func() time.Time) *StateManager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &StateManager{store: store, logger: logger, now: now}
}

// Store returns the underlying store.
func (m *StateManager) Store() core.WorkflowStore { return m.store }

// Create persists a new execution.
func (m *StateManager) Create(ctx context.Context, exec *core.WorkflowExecution) error {
	if err := m.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

// Persist overwrites the stored execution.
func (m *StateManager) Persist(ctx context.Context, exec *core.WorkflowExecution) error {
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	return nil
}

// Load returns the stored execution.
func (m *StateManager) Load(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	return m.store.GetExecution(ctx, id)
}

// Log appends an entry to the execution's in-memory log and to the store.
func (m *StateManager) Log(ctx context.Context, exec *core.WorkflowExecution, level core.LogLevel, stepID, msg string, cause error) {
	entry := core.ExecutionLog{Timestamp: m.now(), Level: level, StepID: stepID, Message: msg}
	if cause != nil {
		entry.Error = cause.Error()
	}
	exec.Logs = append(exec.Logs, entry)
	if err := m.store.SaveLogs(ctx, exec.ID, []core.ExecutionLog{entry}); err != nil {
		m.logger.Warn("execution log not persisted", "execution_id", exec.ID, "error", err)
	}
}

// Checksum is the FNV-1a 64 bit hash of state in hex.
func Checksum(state []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(state)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Snapshot serializes exec and stores it with its checksum. Logs are not
// part of the snapshot; they stay in the store's log.
func (m *StateManager) Snapshot(ctx context.Context, exec *core.WorkflowExecution) (*core.Snapshot, error) {
	c := exec.Clone()
	c.Logs = nil
	state, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	snap := &core.Snapshot{
		ID:          core.NewID(),
		ExecutionID: exec.ID,
		Timestamp:   m.now(),
		State:       state,
		Checksum:    Checksum(state),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// Restore loads the latest snapshot of an execution and verifies its
// checksum.
func (m *StateManager) Restore(ctx context.Context, executionID string) (*core.WorkflowExecution, *core.Snapshot, error) {
	snap, err := m.store.GetLatestSnapshot(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if got := Checksum(snap.State); got != snap.Checksum {
		return nil, nil, core.NewExecutionError("workflow.restore",
			fmt.Errorf("snapshot %s checksum mismatch: stored %s, computed %s", snap.ID, snap.Checksum, got))
	}
	var exec core.WorkflowExecution
	if err := json.Unmarshal(snap.State, &exec); err != nil {
		return nil, nil, core.NewExecutionError("workflow.restore", fmt.Errorf("decode snapshot %s: %w", snap.ID, err))
	}
	return &exec, snap, nil
}
