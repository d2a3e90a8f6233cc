// Package store persists finished run records and their tool execution
// history. The live registry holds in-flight runs; the store is the durable
// record consulted once a run has left the registry.
package store

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/internal/common/config"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Store defines the interface for run record persistence
type Store interface {
	// Run records
	SaveRun(ctx context.Context, run *v1.Run) error
	GetRun(ctx context.Context, id string) (*v1.Run, error)
	ListRuns(ctx context.Context, sessionID string, limit int) ([]*v1.Run, error)

	// Execution records
	SaveExecution(ctx context.Context, rec *v1.ExecutionRecord) error
	ListExecutions(ctx context.Context, runID string, limit int) ([]*v1.ExecutionRecord, error)

	// Close closes the store (for database connections)
	Close() error
}

// New creates the store selected by the database configuration
func New(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}
