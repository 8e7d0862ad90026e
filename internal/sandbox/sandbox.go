package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devanshbm/runq/internal/domain"
)

// timeoutExitCode is what coreutils `timeout` returns when it kills the
// command.
const timeoutExitCode = 124

// outerGrace is added on top of the inner timeout for the process-level
// deadline, covering container start and teardown.
const outerGrace = 5 * time.Second

// Executor dispatches code to per-language containerized pipelines.
type Executor struct {
	runner      domain.ContainerRunner
	scratchRoot string
	timeout     time.Duration
	memoryBytes int64
}

var _ domain.Executor = (*Executor)(nil)

// NewExecutor builds an executor. scratchRoot may be empty to use the
// system temp dir; timeout is the inner hard wall-clock limit per run.
func NewExecutor(runner domain.ContainerRunner, scratchRoot string, timeout time.Duration, memoryMB int64) *Executor {
	return &Executor{
		runner:      runner,
		scratchRoot: scratchRoot,
		timeout:     timeout,
		memoryBytes: memoryMB * 1024 * 1024,
	}
}

// Execute writes the source into a fresh scratch directory, runs the
// language's pinned image against it and classifies the outcome.
// Execution time is wall-clock from dispatch to completion regardless of
// success. The scratch directory is removed on every exit path.
func (e *Executor) Execute(ctx context.Context, code, language string) (domain.ExecutionResult, error) {
	start := time.Now()

	lang, err := Normalize(language)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	p := pipelines[lang]

	dir, err := os.MkdirTemp(e.scratchRoot, "runq-"+uuid.NewString())
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("failed to clean scratch dir", "dir", dir, "error", rmErr)
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, p.source), []byte(code), 0o644); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("writing source file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout+outerGrace)
	defer cancel()

	out, err := e.runner.Run(runCtx, domain.ContainerSpec{
		Image:       p.image,
		Script:      fmt.Sprintf(p.script, int(e.timeout.Seconds())),
		MountDir:    dir,
		MemoryBytes: e.memoryBytes,
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("running %s container: %w", lang, err)
	}

	result := classify(p, out)
	result.ExecutionTimeMs = elapsed
	return result, nil
}

// classify turns raw container output into an execution result.
// A compiler-error marker on stderr means compilation failure; a stderr
// carrying only warnings is advisory and the run still counts as success.
func classify(p pipeline, out domain.ContainerOutput) domain.ExecutionResult {
	stdout := strings.TrimSpace(out.Stdout)
	stderr := strings.TrimSpace(out.Stderr)

	switch {
	case out.ExitCode == timeoutExitCode:
		return domain.ExecutionResult{
			Success: false,
			Output:  stdout,
			Error:   "time limit exceeded",
		}
	case p.compiled && strings.Contains(stderr, "error:"):
		return domain.ExecutionResult{
			Success: false,
			Error:   "compilation error: " + stderr,
		}
	case out.ExitCode != 0:
		errText := stderr
		if errText == "" {
			errText = fmt.Sprintf("exited with status %d", out.ExitCode)
		}
		return domain.ExecutionResult{
			Success: false,
			Output:  stdout,
			Error:   errText,
		}
	default:
		result := domain.ExecutionResult{Success: true, Output: stdout}
		if strings.Contains(stderr, "warning:") {
			result.Error = stderr
		}
		return result
	}
}
