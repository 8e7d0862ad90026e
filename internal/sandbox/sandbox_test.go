package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devanshbm/runq/internal/domain"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	spec   domain.ContainerSpec
	output domain.ContainerOutput
	err    error

	// sourceSeen records whether the source file existed inside the mount
	// dir at run time, before the executor's deferred cleanup.
	sourceSeen bool
	sourceName string
}

func (f *fakeRunner) Run(ctx context.Context, spec domain.ContainerSpec) (domain.ContainerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.spec = spec
	if f.sourceName != "" {
		if _, err := os.Stat(filepath.Join(spec.MountDir, f.sourceName)); err == nil {
			f.sourceSeen = true
		}
	}
	return f.output, f.err
}

func newExecutor(t *testing.T, runner domain.ContainerRunner) *Executor {
	t.Helper()
	return NewExecutor(runner, t.TempDir(), 10*time.Second, 512)
}

func TestExecuteUnsupportedLanguageFailsBeforeIO(t *testing.T) {
	runner := &fakeRunner{}
	exec := newExecutor(t, runner)

	_, err := exec.Execute(context.Background(), "print(1)", "cobol")
	if !errors.Is(err, domain.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("runner must not be invoked for an unsupported language")
	}
}

func TestExecuteWritesSourceAndCleansScratchDir(t *testing.T) {
	runner := &fakeRunner{
		sourceName: "main.py",
		output:     domain.ContainerOutput{Stdout: "2\n"},
	}
	exec := newExecutor(t, runner)

	res, err := exec.Execute(context.Background(), "print(1+1)", "python")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !runner.sourceSeen {
		t.Fatal("source file was not present in the scratch dir during the run")
	}
	if _, err := os.Stat(runner.spec.MountDir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir %s not cleaned up", runner.spec.MountDir)
	}
	if !res.Success || res.Output != "2" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteCleansScratchDirOnRunnerFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("daemon unreachable")}
	exec := newExecutor(t, runner)

	_, err := exec.Execute(context.Background(), "print(1)", "python")
	if err == nil {
		t.Fatal("expected infrastructure error")
	}
	if _, statErr := os.Stat(runner.spec.MountDir); !os.IsNotExist(statErr) {
		t.Fatalf("scratch dir %s leaked after runner failure", runner.spec.MountDir)
	}
}

func TestExecuteBuildsPinnedCompileAndRunScript(t *testing.T) {
	runner := &fakeRunner{output: domain.ContainerOutput{Stdout: "ok"}}
	exec := newExecutor(t, runner)

	if _, err := exec.Execute(context.Background(), "int main(){return 0;}", "c"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runner.spec.Image != "gcc:latest" {
		t.Fatalf("wrong image: %s", runner.spec.Image)
	}
	if !strings.Contains(runner.spec.Script, "gcc main.c -o main") {
		t.Fatalf("compile step missing from script: %q", runner.spec.Script)
	}
	if !strings.Contains(runner.spec.Script, "timeout 10s ./main") {
		t.Fatalf("inner timeout wrapper missing from script: %q", runner.spec.Script)
	}
	if runner.spec.MemoryBytes != 512*1024*1024 {
		t.Fatalf("memory limit not applied: %d", runner.spec.MemoryBytes)
	}
}

func TestExecuteClassifiesCompilationError(t *testing.T) {
	runner := &fakeRunner{output: domain.ContainerOutput{
		Stderr:   "main.c:1:10: error: expected ';'",
		ExitCode: 1,
	}}
	exec := newExecutor(t, runner)

	res, err := exec.Execute(context.Background(), "int main(){return bad syntax}", "c")
	if err != nil {
		t.Fatalf("a compile error is a completed job, not an infrastructure error: %v", err)
	}
	if res.Success {
		t.Fatal("compilation error must not be a success")
	}
	if !strings.Contains(res.Error, "compilation error:") {
		t.Fatalf("missing compilation-error marker: %q", res.Error)
	}
}

func TestExecuteTreatsWarningsAsAdvisory(t *testing.T) {
	runner := &fakeRunner{output: domain.ContainerOutput{
		Stdout: "42",
		Stderr: "main.c:3:5: warning: unused variable 'x'",
	}}
	exec := newExecutor(t, runner)

	res, err := exec.Execute(context.Background(), "int main(){int x;return 0;}", "c")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("warnings alone must not fail the run")
	}
	if !strings.Contains(res.Error, "warning:") {
		t.Fatal("advisory warning text should be carried in the result")
	}
	if res.Output != "42" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
}

func TestExecuteClassifiesTimeLimit(t *testing.T) {
	runner := &fakeRunner{output: domain.ContainerOutput{ExitCode: 124}}
	exec := newExecutor(t, runner)

	res, err := exec.Execute(context.Background(), "while True: pass", "python")
	if err != nil {
		t.Fatalf("inner timeout is an execution failure, not infrastructure: %v", err)
	}
	if res.Success || res.Error != "time limit exceeded" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	runner := &fakeRunner{output: domain.ContainerOutput{
		Stderr:   "Traceback (most recent call last): ZeroDivisionError",
		ExitCode: 1,
	}}
	exec := newExecutor(t, runner)

	res, err := exec.Execute(context.Background(), "1/0", "python")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("non-zero exit must fail the run")
	}
	if !strings.Contains(res.Error, "ZeroDivisionError") {
		t.Fatalf("stderr should be surfaced as the error: %q", res.Error)
	}
}

func TestExecuteMeasuresWallClock(t *testing.T) {
	runner := &fakeRunner{output: domain.ContainerOutput{Stdout: "ok"}}
	exec := newExecutor(t, runner)

	res, err := exec.Execute(context.Background(), "print(1)", "python")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExecutionTimeMs < 0 {
		t.Fatalf("negative execution time: %d", res.ExecutionTimeMs)
	}
}

func TestNormalizeAliases(t *testing.T) {
	cases := map[string]string{
		"Python":     "python",
		"py":         "python",
		"C++":        "cpp",
		"cpp":        "cpp",
		"JS":         "javascript",
		"javascript": "javascript",
		"JAVA":       "java",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := Normalize("brainfuck"); !errors.Is(err, domain.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}
