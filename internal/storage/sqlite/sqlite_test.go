package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devanshbm/runq/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := domain.JobResult{
		JobID:           "j1",
		Success:         true,
		Output:          "2",
		ExecutionTimeMs: 137,
		Status:          domain.StatusCompleted,
		CompletedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveResult(ctx, want); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	got, err := s.GetResult(ctx, "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Output != want.Output || !got.Success || got.Status != domain.StatusCompleted {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CompletedAt.Equal(want.CompletedAt) {
		t.Fatalf("completed_at mismatch: %v vs %v", got.CompletedAt, want.CompletedAt)
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetResult(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveResultUpsertsByJobID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := domain.JobResult{JobID: "j2", Success: false, Error: "boom", Status: domain.StatusFailed, CompletedAt: time.Now()}
	if err := s.SaveResult(ctx, first); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	second := first
	second.Success = true
	second.Error = ""
	second.Output = "fixed"
	second.Status = domain.StatusCompleted
	if err := s.SaveResult(ctx, second); err != nil {
		t.Fatalf("SaveResult (upsert): %v", err)
	}

	got, err := s.GetResult(ctx, "j2")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !got.Success || got.Output != "fixed" || got.Status != domain.StatusCompleted {
		t.Fatalf("upsert did not replace the row: %+v", got)
	}
}
