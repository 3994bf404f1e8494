package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hupe1980/agentflow/core"
)

// migrations are applied in order; each runs once per database.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		definition TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step TEXT NOT NULL DEFAULT '',
		variables TEXT NOT NULL DEFAULT '{}',
		results TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status);`,

	`CREATE TABLE IF NOT EXISTS workflow_snapshots (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		state TEXT NOT NULL,
		checksum TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_snapshots_execution ON workflow_snapshots(execution_id, timestamp);`,

	`CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, id);`,
}

// SQLiteStore is a durable WorkflowStore on a single SQLite file. JSON
// columns hold variables, results, definitions and snapshot state;
// timestamps are stored as UTC unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for i, stmt := range migrations {
		version := i + 1
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if n > 0 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, nanos(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate %d: %w", version, err)
		}
	}
	return nil
}

// Ping checks the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func execColumns(exec *core.WorkflowExecution) (vars, results string, end sql.NullInt64, err error) {
	v := exec.Variables
	if v == nil {
		v = map[string]any{}
	}
	vb, err := json.Marshal(v)
	if err != nil {
		return "", "", end, fmt.Errorf("encode variables: %w", err)
	}
	r := exec.Results
	if r == nil {
		r = map[string]core.StepResult{}
	}
	rb, err := json.Marshal(r)
	if err != nil {
		return "", "", end, fmt.Errorf("encode results: %w", err)
	}
	if exec.EndTime != nil {
		end = sql.NullInt64{Int64: nanos(*exec.EndTime), Valid: true}
	}
	return string(vb), string(rb), end, nil
}

// SaveExecution inserts a new execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *core.WorkflowExecution) error {
	vars, results, end, err := execColumns(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, current_step, variables, results, error, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), exec.CurrentStep, vars, results, exec.Error, nanos(exec.StartTime), end)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewAlreadyExistsError("execution", exec.ID)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution overwrites an existing execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *core.WorkflowExecution) error {
	vars, results, end, err := execColumns(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET workflow_id = ?, status = ?, current_step = ?, variables = ?, results = ?, error = ?, start_time = ?, end_time = ?
		WHERE id = ?`,
		exec.WorkflowID, string(exec.Status), exec.CurrentStep, vars, results, exec.Error, nanos(exec.StartTime), end, exec.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError("execution", exec.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*core.WorkflowExecution, error) {
	var (
		exec          core.WorkflowExecution
		status        string
		vars, results string
		start         int64
		end           sql.NullInt64
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &status, &exec.CurrentStep, &vars, &results, &exec.Error, &start, &end); err != nil {
		return nil, err
	}
	exec.Status = core.ExecutionStatus(status)
	exec.StartTime = fromNanos(start)
	if end.Valid {
		t := fromNanos(end.Int64)
		exec.EndTime = &t
	}
	if err := json.Unmarshal([]byte(vars), &exec.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &exec.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &exec, nil
}

const execSelect = `SELECT id, workflow_id, status, current_step, variables, results, error, start_time, end_time FROM workflow_executions`

// GetExecution returns an execution including its logs.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, execSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if exec.Logs, err = s.GetLogs(ctx, id, 0); err != nil {
		return nil, err
	}
	return exec, nil
}

// DeleteExecution removes an execution with its snapshots and logs.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError("execution", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_logs WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	return tx.Commit()
}

// ListExecutions returns executions in creation order, optionally filtered
// by status.
func (s *SQLiteStore) ListExecutions(ctx context.Context, statuses ...core.ExecutionStatus) ([]*core.WorkflowExecution, error) {
	query := execSelect
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []*core.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// logs are loaded after the cursor closes; the pool holds one connection
	for _, exec := range out {
		if exec.Logs, err = s.GetLogs(ctx, exec.ID, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveSnapshot inserts a snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *core.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_snapshots (id, execution_id, timestamp, state, checksum) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.ExecutionID, nanos(snap.Timestamp), string(snap.State), snap.Checksum)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewAlreadyExistsError("snapshot", snap.ID)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row rowScanner) (*core.Snapshot, error) {
	var (
		snap  core.Snapshot
		ts    int64
		state string
	)
	if err := row.Scan(&snap.ID, &snap.ExecutionID, &ts, &state, &snap.Checksum); err != nil {
		return nil, err
	}
	snap.Timestamp = fromNanos(ts)
	snap.State = json.RawMessage(state)
	return &snap, nil
}

const snapshotSelect = `SELECT id, execution_id, timestamp, state, checksum FROM workflow_snapshots`

// GetSnapshot returns a snapshot by id.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*core.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, snapshotSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("snapshot", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// GetLatestSnapshot returns the most recent snapshot of an execution.
func (s *SQLiteStore) GetLatestSnapshot(ctx context.Context, executionID string) (*core.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		snapshotSelect+` WHERE execution_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT 1`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("snapshot for execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// DeleteSnapshots removes every snapshot of an execution.
func (s *SQLiteStore) DeleteSnapshots(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// SaveWorkflowDefinition stores or replaces a definition.
func (s *SQLiteStore) SaveWorkflowDefinition(ctx context.Context, def *core.WorkflowDefinition) error {
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, definition, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, definition = excluded.definition, updated_at = excluded.updated_at`,
		def.ID, def.Name, string(b), nanos(time.Now()))
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

func decodeDefinition(raw string) (*core.WorkflowDefinition, error) {
	var def core.WorkflowDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

// GetWorkflowDefinition returns a definition by id.
func (s *SQLiteStore) GetWorkflowDefinition(ctx context.Context, id string) (*core.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflow_definitions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return decodeDefinition(raw)
}

// ListWorkflowDefinitions returns every definition sorted by id.
func (s *SQLiteStore) ListWorkflowDefinitions(ctx context.Context) ([]*core.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()
	var out []*core.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		def, err := decodeDefinition(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// SaveLogs appends log entries to an execution in one transaction.
func (s *SQLiteStore) SaveLogs(ctx context.Context, executionID string, logs []core.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save logs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_logs (execution_id, timestamp, level, step_id, message, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save logs: %w", err)
	}
	defer stmt.Close()
	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx, executionID, nanos(l.Timestamp), string(l.Level), l.StepID, l.Message, l.Error); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

// GetLogs returns the most recent limit entries, oldest first.
func (s *SQLiteStore) GetLogs(ctx context.Context, executionID string, limit int) ([]core.ExecutionLog, error) {
	query := `SELECT timestamp, level, step_id, message, error FROM execution_logs WHERE execution_id = ? ORDER BY id DESC`
	args := []any{executionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	defer rows.Close()
	var out []core.ExecutionLog
	for rows.Next() {
		var (
			l     core.ExecutionLog
			ts    int64
			level string
		)
		if err := rows.Scan(&ts, &level, &l.StepID, &l.Message, &l.Error); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Timestamp = fromNanos(ts)
		l.Level = core.LogLevel(level)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var _ core.WorkflowStore = (*SQLiteStore)(nil)
