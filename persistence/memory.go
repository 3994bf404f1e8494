package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/agentflow/core"
)

// MemoryStore is a volatile WorkflowStore keeping everything in process
// local maps. It is safe for concurrent access. Values are copied through
// their JSON form on the way in and out so callers observe the same shapes
// a durable store returns.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*core.WorkflowExecution
	order       []string // execution ids in insertion order
	snapshots   map[string][]*core.Snapshot
	definitions map[string]*core.WorkflowDefinition
	logs        map[string][]core.ExecutionLog
	closed      bool
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*core.WorkflowExecution),
		snapshots:   make(map[string][]*core.Snapshot),
		definitions: make(map[string]*core.WorkflowDefinition),
		logs:        make(map[string][]core.ExecutionLog),
	}
}

func (s *MemoryStore) storeExecution(exec *core.WorkflowExecution) error {
	c, err := roundTrip(exec)
	if err != nil {
		return err
	}
	c.Logs = nil
	s.executions[exec.ID] = c
	return nil
}

func (s *MemoryStore) loadExecutionLocked(id string) (*core.WorkflowExecution, error) {
	stored, ok := s.executions[id]
	if !ok {
		return nil, core.NewNotFoundError("execution", id)
	}
	c, err := roundTrip(stored)
	if err != nil {
		return nil, err
	}
	c.Logs = append([]core.ExecutionLog(nil), s.logs[id]...)
	return c, nil
}

// SaveExecution stores a new execution.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *core.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.save_execution")
	}
	if _, ok := s.executions[exec.ID]; ok {
		return core.NewAlreadyExistsError("execution", exec.ID)
	}
	if err := s.storeExecution(exec); err != nil {
		return err
	}
	s.order = append(s.order, exec.ID)
	return nil
}

// UpdateExecution overwrites an existing execution.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec *core.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.update_execution")
	}
	if _, ok := s.executions[exec.ID]; !ok {
		return core.NewNotFoundError("execution", exec.ID)
	}
	return s.storeExecution(exec)
}

// GetExecution returns a copy of the execution including its logs.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*core.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.get_execution")
	}
	return s.loadExecutionLocked(id)
}

// DeleteExecution removes an execution with its snapshots and logs.
func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.delete_execution")
	}
	if _, ok := s.executions[id]; !ok {
		return core.NewNotFoundError("execution", id)
	}
	delete(s.executions, id)
	delete(s.snapshots, id)
	delete(s.logs, id)
	for i, eid := range s.order {
		if eid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ListExecutions returns executions in creation order, optionally filtered
// by status.
func (s *MemoryStore) ListExecutions(_ context.Context, statuses ...core.ExecutionStatus) ([]*core.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.list_executions")
	}
	var out []*core.WorkflowExecution
	for _, id := range s.order {
		if !statusIn(s.executions[id].Status, statuses) {
			continue
		}
		c, err := s.loadExecutionLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func statusIn(st core.ExecutionStatus, statuses []core.ExecutionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// SaveSnapshot appends a snapshot to its execution's history.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *core.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.save_snapshot")
	}
	for _, existing := range s.snapshots[snap.ExecutionID] {
		if existing.ID == snap.ID {
			return core.NewAlreadyExistsError("snapshot", snap.ID)
		}
	}
	s.snapshots[snap.ExecutionID] = append(s.snapshots[snap.ExecutionID], cloneSnapshot(snap))
	return nil
}

// GetSnapshot returns a snapshot by id.
func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.get_snapshot")
	}
	for _, snaps := range s.snapshots {
		for _, snap := range snaps {
			if snap.ID == id {
				return cloneSnapshot(snap), nil
			}
		}
	}
	return nil, core.NewNotFoundError("snapshot", id)
}

// GetLatestSnapshot returns the most recent snapshot of an execution.
func (s *MemoryStore) GetLatestSnapshot(_ context.Context, executionID string) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.get_latest_snapshot")
	}
	snaps := s.snapshots[executionID]
	if len(snaps) == 0 {
		return nil, core.NewNotFoundError("snapshot for execution", executionID)
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if !snap.Timestamp.Before(latest.Timestamp) {
			latest = snap
		}
	}
	return cloneSnapshot(latest), nil
}

// DeleteSnapshots removes every snapshot of an execution.
func (s *MemoryStore) DeleteSnapshots(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.delete_snapshots")
	}
	delete(s.snapshots, executionID)
	return nil
}

// SaveWorkflowDefinition stores or replaces a definition.
func (s *MemoryStore) SaveWorkflowDefinition(_ context.Context, def *core.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.save_definition")
	}
	c, err := roundTrip(def)
	if err != nil {
		return err
	}
	s.definitions[def.ID] = c
	return nil
}

// GetWorkflowDefinition returns a definition by id.
func (s *MemoryStore) GetWorkflowDefinition(_ context.Context, id string) (*core.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.get_definition")
	}
	def, ok := s.definitions[id]
	if !ok {
		return nil, core.NewNotFoundError("workflow", id)
	}
	return roundTrip(def)
}

// ListWorkflowDefinitions returns every definition sorted by id.
func (s *MemoryStore) ListWorkflowDefinitions(_ context.Context) ([]*core.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.list_definitions")
	}
	out := make([]*core.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		c, err := roundTrip(def)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveLogs appends log entries to an execution.
func (s *MemoryStore) SaveLogs(_ context.Context, executionID string, logs []core.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("store.save_logs")
	}
	s.logs[executionID] = append(s.logs[executionID], logs...)
	return nil
}

// GetLogs returns the most recent limit entries, oldest first.
func (s *MemoryStore) GetLogs(_ context.Context, executionID string, limit int) ([]core.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("store.get_logs")
	}
	logs := s.logs[executionID]
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]core.ExecutionLog(nil), logs...), nil
}

// Close marks the store closed. Further calls fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ core.WorkflowStore = (*MemoryStore)(nil)
