// Package storage defines the persistent store for execution results.
// Writes from the worker are best-effort and independent of the cache write;
// divergence is logged, never reconciled.
package storage

import (
	"context"

	"github.com/devanshbm/runq/internal/domain"
)

// ResultStore persists job results durably.
type ResultStore interface {
	// SaveResult writes the result for a job attempt, replacing any earlier
	// attempt's row for the same job id.
	SaveResult(ctx context.Context, result domain.JobResult) error

	// GetResult returns a stored result or domain.ErrNotFound.
	GetResult(ctx context.Context, jobID string) (*domain.JobResult, error)

	// Close releases the underlying database.
	Close() error
}
