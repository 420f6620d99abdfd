package shell

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	result, err := ExecRunner{}.Run(context.Background(), "echo hello", "", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestRunNonZeroExitIsResultNotError(t *testing.T) {
	result, err := ExecRunner{}.Run(context.Background(), "echo oops >&2; exit 3", "", time.Second)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if result.Success() {
		t.Fatal("exit 3 must not be success")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Output() != "oops" {
		t.Fatalf("Output should prefer stderr: %q", result.Output())
	}
}

func TestRunTimeout(t *testing.T) {
	result, err := ExecRunner{}.Run(context.Background(), "sleep 5", "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut to be set")
	}
	if result.Success() {
		t.Fatal("timed out command must not be success")
	}
}

func TestRunEmptyCommand(t *testing.T) {
	if _, err := (ExecRunner{}).Run(context.Background(), "  ", "", time.Second); err == nil {
		t.Fatal("blank command must be rejected")
	}
}

func TestRunHonorsWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	result, err := ExecRunner{}.Run(context.Background(), "pwd", dir, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, want := strings.TrimSpace(result.Stdout), dir
	// Resolve symlinks: on some systems TempDir sits behind one.
	if resolved, rerr := filepath.EvalSymlinks(want); rerr == nil {
		want = resolved
	}
	if got != want && got != dir {
		t.Fatalf("expected working dir %q, got %q", dir, got)
	}
}

func TestResultOutputFallsBackToStdout(t *testing.T) {
	r := Result{Stdout: "  all good  "}
	if r.Output() != "all good" {
		t.Fatalf("unexpected output: %q", r.Output())
	}
}
