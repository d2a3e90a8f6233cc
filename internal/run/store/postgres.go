package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// PostgresStore provides PostgreSQL-based run record storage
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a run store backed by a pgx connection pool
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		input TEXT DEFAULT '',
		status TEXT NOT NULL,
		error JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		params JSONB,
		success BOOLEAN NOT NULL,
		content TEXT DEFAULT '',
		error JSONB,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT DEFAULT 0,
		seq BIGSERIAL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_run_id ON executions(run_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveRun inserts or replaces a run record
func (s *PostgresStore) SaveRun(ctx context.Context, run *v1.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, session_id, agent_name, input, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		run.ID, run.SessionID, run.AgentName, run.Input, string(run.Status),
		pgJSON(run.Error), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by ID
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, agent_name, input, status, error, created_at, updated_at
		FROM runs WHERE id = $1`, id)
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns run records, newest first
func (s *PostgresStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]*v1.Run, error) {
	query := `
		SELECT id, session_id, agent_name, input, status, error, created_at, updated_at
		FROM runs`
	args := []interface{}{}
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*v1.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveExecution appends a tool execution record
func (s *PostgresStore) SaveExecution(ctx context.Context, rec *v1.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	var params []byte
	if rec.Params != nil {
		params, _ = json.Marshal(rec.Params)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, run_id, tool_name, params, success, content, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.RunID, rec.ToolName, params, rec.Success, rec.Content,
		pgJSON(rec.Error), rec.StartedAt, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// ListExecutions returns a run's execution records in insertion order
func (s *PostgresStore) ListExecutions(ctx context.Context, runID string, limit int) ([]*v1.ExecutionRecord, error) {
	query := `
		SELECT id, run_id, tool_name, params, success, content, error, started_at, duration_ms
		FROM executions WHERE run_id = $1 ORDER BY seq ASC`
	args := []interface{}{runID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*v1.ExecutionRecord
	for rows.Next() {
		var rec v1.ExecutionRecord
		var params, errJSON []byte
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.ToolName, &params, &rec.Success,
			&rec.Content, &errJSON, &rec.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &rec.Params)
		}
		if len(errJSON) > 0 {
			var apiErr v1.APIError
			if json.Unmarshal(errJSON, &apiErr) == nil {
				rec.Error = &apiErr
			}
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func scanPgRun(row pgx.Row) (*v1.Run, error) {
	var run v1.Run
	var status string
	var errJSON []byte
	if err := row.Scan(&run.ID, &run.SessionID, &run.AgentName, &run.Input, &status,
		&errJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = v1.RunStatus(status)
	if len(errJSON) > 0 {
		var apiErr v1.APIError
		if json.Unmarshal(errJSON, &apiErr) == nil {
			run.Error = &apiErr
		}
	}
	return &run, nil
}

// pgJSON marshals an API error for a JSONB column; nil maps to SQL NULL
func pgJSON(apiErr *v1.APIError) []byte {
	if apiErr == nil {
		return nil
	}
	data, err := json.Marshal(apiErr)
	if err != nil {
		return nil
	}
	return data
}
