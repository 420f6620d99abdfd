// Package shell runs externally defined build, deploy, and validation
// commands. The pipeline only interprets exit status and captured output.
package shell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result captures one command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Success reports whether the command exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns stderr when present, otherwise stdout, trimmed.
func (r Result) Output() string {
	if out := strings.TrimSpace(r.Stderr); out != "" {
		return out
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner executes a shell command in a working directory under a timeout.
type Runner interface {
	Run(ctx context.Context, command, dir string, timeout time.Duration) (Result, error)
}

// ExecRunner runs commands through `sh -c`.
type ExecRunner struct{}

// Run executes command and captures both output streams. A non-zero exit is
// reported through Result, not the error return; the error is reserved for
// failures to run the command at all.
func (ExecRunner) Run(ctx context.Context, command, dir string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, errors.New("empty command")
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}
