package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// SQLiteStore provides SQLite-based run record storage
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite run store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		input TEXT DEFAULT '',
		status TEXT NOT NULL,
		error TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		params TEXT DEFAULT '{}',
		success INTEGER NOT NULL,
		content TEXT DEFAULT '',
		error TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		seq INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_run_id ON executions(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces a run record
func (s *SQLiteStore) SaveRun(ctx context.Context, run *v1.Run) error {
	errJSON := marshalAPIError(run.Error)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, agent_name, input, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		run.ID, run.SessionID, run.AgentName, run.Input, string(run.Status), errJSON,
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_name, input, status, error, created_at, updated_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns run records, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]*v1.Run, error) {
	query := `
		SELECT id, session_id, agent_name, input, status, error, created_at, updated_at
		FROM runs`
	args := []interface{}{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveExecution appends a tool execution record
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *v1.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	params, err := json.Marshal(rec.Params)
	if err != nil {
		params = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, run_id, tool_name, params, success, content, error, started_at, duration_ms, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM executions WHERE run_id = ?))`,
		rec.ID, rec.RunID, rec.ToolName, string(params), rec.Success, rec.Content,
		marshalAPIError(rec.Error), rec.StartedAt, rec.Duration.Milliseconds(), rec.RunID)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// ListExecutions returns a run's execution records in insertion order
func (s *SQLiteStore) ListExecutions(ctx context.Context, runID string, limit int) ([]*v1.ExecutionRecord, error) {
	query := `
		SELECT id, run_id, tool_name, params, success, content, error, started_at, duration_ms
		FROM executions WHERE run_id = ? ORDER BY seq ASC`
	args := []interface{}{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*v1.ExecutionRecord
	for rows.Next() {
		var rec v1.ExecutionRecord
		var params, errJSON string
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.ToolName, &params, &rec.Success,
			&rec.Content, &errJSON, &rec.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if params != "" && params != "{}" {
			_ = json.Unmarshal([]byte(params), &rec.Params)
		}
		rec.Error = unmarshalAPIError(errJSON)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*v1.Run, error) {
	var run v1.Run
	var status, errJSON string
	if err := row.Scan(&run.ID, &run.SessionID, &run.AgentName, &run.Input, &status,
		&errJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = v1.RunStatus(status)
	run.Error = unmarshalAPIError(errJSON)
	return &run, nil
}

func marshalAPIError(apiErr *v1.APIError) string {
	if apiErr == nil {
		return ""
	}
	data, err := json.Marshal(apiErr)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalAPIError(data string) *v1.APIError {
	if data == "" {
		return nil
	}
	var apiErr v1.APIError
	if err := json.Unmarshal([]byte(data), &apiErr); err != nil {
		return nil
	}
	return &apiErr
}
