package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Run archive ---

func (s *LibSQLStore) ArchiveRun(ctx context.Context, run *RunRecord) error {
	args, err := marshalMapOrDefault(run.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	vars, err := marshalMapOrDefault(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (execution_id, workflow_id, status, initiator, arguments, variables, results, errors, start_time, end_time, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status=excluded.status, variables=excluded.variables, results=excluded.results,
		   errors=excluded.errors, end_time=excluded.end_time, duration_ms=excluded.duration_ms`,
		run.ExecutionID, run.WorkflowID, string(run.Status), nullStr(run.Initiator),
		string(args), string(vars), nullRaw(run.Results), nullRaw(run.Errors),
		run.StartTime, nullTime(run.EndTime), run.DurationMs, timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, executionID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, status, initiator, arguments, variables, results, errors, start_time, end_time, duration_ms, created_at
		 FROM runs WHERE execution_id = ?`, executionID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", executionID)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, filter.Initiator)
	}
	if filter.Since != nil {
		where = append(where, "start_time >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT execution_id, workflow_id, status, initiator, arguments, variables, results, errors, start_time, end_time, duration_ms, created_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRuns(ctx context.Context, workflowID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanTarget abstracts *sql.Row and *sql.Rows for shared scan code.
type scanTarget interface {
	Scan(dest ...any) error
}

func scanRun(row scanTarget) (*RunRecord, error) {
	run := &RunRecord{}
	var (
		status                  string
		initiator               sql.NullString
		argsJSON, varsJSON      string
		resultsJSON, errorsJSON sql.NullString
		endTime                 sql.NullTime
	)
	err := row.Scan(&run.ExecutionID, &run.WorkflowID, &status, &initiator,
		&argsJSON, &varsJSON, &resultsJSON, &errorsJSON,
		&run.StartTime, &endTime, &run.DurationMs, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = flow.ExecutionStatus(status)
	run.Initiator = initiator.String
	if argsJSON != "" {
		_ = json.Unmarshal([]byte(argsJSON), &run.Arguments)
	}
	if varsJSON != "" {
		_ = json.Unmarshal([]byte(varsJSON), &run.Variables)
	}
	run.Results = rawOrNil(resultsJSON)
	run.Errors = rawOrNil(errorsJSON)
	if endTime.Valid {
		run.EndTime = &endTime.Time
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// go-libsql has no BEGIN IMMEDIATE, so a throwaway write upgrades the
	// transaction to a writer before the sequence read. Otherwise two
	// appenders could read the same MAX(sequence).
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version, description) VALUES (-1, '_write_lock')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, nullStr(event.StepID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*EventRecord, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.WorkflowID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sched *ScheduleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (workflow_id, cron_expr, enabled, last_run_at, next_run_at, last_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   cron_expr=excluded.cron_expr, enabled=excluded.enabled,
		   last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at,
		   last_status=excluded.last_status`,
		sched.WorkflowID, sched.CronExpr, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastStatus),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, workflowID string) (*ScheduleRecord, error) {
	sched := &ScheduleRecord{}
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, cron_expr, enabled, last_run_at, next_run_at, last_status, created_at
		 FROM schedules WHERE workflow_id = ?`, workflowID,
	).Scan(&sched.WorkflowID, &sched.CronExpr, &sched.Enabled, &lastRun, &nextRun, &lastStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", workflowID)
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	sched.LastStatus = lastStatus.String
	return sched, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context) ([]*ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, cron_expr, enabled, last_run_at, next_run_at, last_status, created_at
		 FROM schedules ORDER BY workflow_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*ScheduleRecord
	for rows.Next() {
		sched := &ScheduleRecord{}
		var lastRun, nextRun sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&sched.WorkflowID, &sched.CronExpr, &sched.Enabled, &lastRun, &nextRun, &lastStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		sched.LastStatus = lastStatus.String
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", workflowID)
}

// --- Helpers ---

func storeNotFound(resource, id string) *flow.Error {
	return flow.NewErrorf(flow.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
