package domain

import (
	"context"
	"time"
)

// ResultCache is the content-addressed store mapping a submission fingerprint
// to its current status and result. All operations are best-effort: callers
// log failures and fall back to the authoritative path.
type ResultCache interface {
	// Get returns the entry for a fingerprint, or (nil, nil) on a miss.
	Get(ctx context.Context, fingerprint string) (*CacheEntry, error)

	// Set writes an entry with the given expiry, overwriting any previous one.
	Set(ctx context.Context, fingerprint string, entry CacheEntry, ttl time.Duration) error

	// SetIfAbsent writes the entry only when no entry exists yet.
	// It returns true when this caller won the claim.
	SetIfAbsent(ctx context.Context, fingerprint string, entry CacheEntry, ttl time.Duration) (bool, error)

	// Delete removes an entry.
	Delete(ctx context.Context, fingerprint string) error
}

// Executor drives one isolated compile-and-run pipeline.
// A non-nil error means infrastructure failure (sandbox unreachable, scratch
// I/O, outer timeout); a failed execution is reported via the result instead.
type Executor interface {
	Execute(ctx context.Context, code, language string) (ExecutionResult, error)
}

// ContainerSpec describes a single containerized run.
type ContainerSpec struct {
	Image       string
	Script      string // shell script executed via `sh -c` inside the container
	MountDir    string // host scratch directory bind-mounted at /code
	MemoryBytes int64
}

// ContainerOutput carries the separately captured streams and exit code.
type ContainerOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerRunner executes a spec inside an isolated container.
// Implementations own the full container lifecycle, including removal.
type ContainerRunner interface {
	Run(ctx context.Context, spec ContainerSpec) (ContainerOutput, error)
}

// ResultBroadcaster fans a completed JobResult out to whichever instance
// holds the subscriber's connection. Delivery is at-most-once.
type ResultBroadcaster interface {
	Broadcast(ctx context.Context, result JobResult) error
}
