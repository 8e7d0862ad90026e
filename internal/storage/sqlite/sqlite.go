package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devanshbm/runq/internal/domain"
	"github.com/devanshbm/runq/internal/storage"
)

// Store implements storage.ResultStore backed by a SQLite database.
type Store struct {
	db *sql.DB
}

var _ storage.ResultStore = (*Store)(nil)

// Open creates or opens the database at path and runs migrations.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_results (
			job_id            TEXT PRIMARY KEY,
			success           INTEGER NOT NULL,
			output            TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT '',
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL,
			completed_at      TEXT NOT NULL
		)`)
	return err
}

// SaveResult upserts the result row for a job.
func (s *Store) SaveResult(ctx context.Context, result domain.JobResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, success, output, error, execution_time_ms, status, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			success = excluded.success,
			output = excluded.output,
			error = excluded.error,
			execution_time_ms = excluded.execution_time_ms,
			status = excluded.status,
			completed_at = excluded.completed_at`,
		result.JobID, boolToInt(result.Success), result.Output, result.Error,
		result.ExecutionTimeMs, string(result.Status),
		result.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving result for job %s: %w", result.JobID, err)
	}
	return nil
}

// GetResult returns a stored result or domain.ErrNotFound.
func (s *Store) GetResult(ctx context.Context, jobID string) (*domain.JobResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, success, output, error, execution_time_ms, status, completed_at
		FROM job_results WHERE job_id = ?`, jobID)

	var (
		result      domain.JobResult
		success     int
		status      string
		completedAt string
	)
	err := row.Scan(&result.JobID, &success, &result.Output, &result.Error,
		&result.ExecutionTimeMs, &status, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading result for job %s: %w", jobID, err)
	}

	result.Success = success != 0
	result.Status = domain.Status(status)
	if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
		result.CompletedAt = t
	}
	return &result, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
