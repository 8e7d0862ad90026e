package domain

import "time"

// Status is the lifecycle state of a submission, as stored in the result cache.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Job is the unit of work published to the main queue.
// It is immutable once enqueued and consumed exactly once per delivery attempt.
type Job struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	Code          string `json:"code"`
	Language      string `json:"language"`
	CodeSnippetID string `json:"codeSnippetId,omitempty"`

	// Timestamp is the enqueue time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// JobResult is produced by the worker after sandbox execution,
// written once per job attempt.
type JobResult struct {
	JobID           string    `json:"jobId"`
	Success         bool      `json:"success"`
	Output          string    `json:"output"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMs int64     `json:"executionTime"`
	Status          Status    `json:"status"`
	CompletedAt     time.Time `json:"completedAt"`
}

// ExecutionResult is the outcome of a single sandboxed run.
// Success=false with a populated Error means the code itself failed
// (compile error, non-zero exit, time limit); it is still a completed job.
type ExecutionResult struct {
	Success         bool
	Output          string
	Error           string
	ExecutionTimeMs int64
}

// CacheEntry is the advisory record stored under a submission fingerprint.
// Losing it never corrupts correctness, only defeats deduplication.
type CacheEntry struct {
	JobID           string `json:"jobId"`
	Status          Status `json:"status"`
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTime,omitempty"`
}

// Terminal reports whether the entry will no longer transition.
func (e CacheEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}
