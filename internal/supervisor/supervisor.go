// Package supervisor keeps the deployd service alive as a long-running child
// process, restarting it on crash under a bounded-retry policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/lightfold/deployd/pkg/config"
)

// Exit codes that never trigger a restart: clean exit, usage error, SIGINT.
var normalExitCodes = map[int]struct{}{0: {}, 2: {}, 130: {}}

// ErrRestartsExhausted is returned when the restart budget runs out.
var ErrRestartsExhausted = errors.New("supervisor: restart budget exhausted")

// minHealthyUptime is how long a child must stay up for the restart counter to
// reset.
const minHealthyUptime = 30 * time.Second

// Supervisor spawns and watches one child process.
type Supervisor struct {
	command []string
	cfg     config.SupervisorConfig
	logger  *slog.Logger

	mu           sync.Mutex
	state        State
	pid          int
	restartCount int

	// startProcess is swappable for tests.
	startProcess func(ctx context.Context) (*exec.Cmd, error)
	sleep        func(ctx context.Context, d time.Duration) error
}

// Status is a snapshot of the supervised process.
type Status struct {
	State        string `json:"state"`
	PID          int    `json:"pid"`
	Running      bool   `json:"running"`
	RestartCount int    `json:"restart_count"`
}

// New constructs a Supervisor for the given command line.
func New(command []string, cfg config.SupervisorConfig, logger *slog.Logger) (*Supervisor, error) {
	if len(command) == 0 {
		return nil, errors.New("supervisor: empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 3 * time.Second
	}
	s := &Supervisor{
		command: command,
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		state:   StateStopped,
	}
	s.startProcess = s.spawn
	s.sleep = sleepCtx
	return s, nil
}

// ShouldRestart applies the restart policy for an observed exit code. Exit
// codes in the normal set never restart; otherwise the restart budget decides.
func (s *Supervisor) ShouldRestart(exitCode int) bool {
	if _, normal := normalExitCodes[exitCode]; normal {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount < s.cfg.MaxRestarts
}

// Status reports the current snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state.String(),
		PID:          s.pid,
		Running:      s.state == StateRunning,
		RestartCount: s.restartCount,
	}
}

// Run supervises the child until the context is cancelled, the child exits
// with a normal code, or the restart budget is exhausted. Context cancellation
// forwards a termination signal to the child and force-kills it after the
// grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	// Missing executables are fatal and non-retryable.
	if _, err := exec.LookPath(s.command[0]); err != nil {
		return fmt.Errorf("supervisor: executable not found: %w", err)
	}
	if err := s.writePIDFile(); err != nil {
		s.logger.Warn("could not write pid file", "path", s.cfg.PIDFile, "error", err)
	}
	defer s.removePIDFile()

	for {
		if !s.transition(StateStarting) {
			return fmt.Errorf("supervisor: illegal start from %s", s.stateNow())
		}
		cmd, err := s.startProcess(ctx)
		if err != nil {
			s.transition(StateStopped)
			return fmt.Errorf("supervisor: spawn failed: %w", err)
		}
		s.setPID(cmd.Process.Pid)
		s.transition(StateRunning)
		s.logger.Info("child started", "pid", cmd.Process.Pid, "restart_count", s.Status().RestartCount)
		if err := s.updatePIDFile(); err != nil {
			s.logger.Warn("could not update pid file", "error", err)
		}

		started := time.Now()
		exitCode, waitErr := s.waitChild(ctx, cmd)

		if s.stateNow() == StateShuttingDown || ctx.Err() != nil {
			// While shutting down, exit of the child is expected.
			s.transition(StateShuttingDown)
			s.transition(StateStopped)
			s.logger.Info("child stopped during shutdown", "exit_code", exitCode)
			return nil
		}
		if waitErr != nil {
			s.logger.Error("wait failed", "error", waitErr)
		}

		if time.Since(started) >= minHealthyUptime {
			s.resetRestarts()
		}

		if !s.ShouldRestart(exitCode) {
			s.transition(StateStopped)
			if _, normal := normalExitCodes[exitCode]; normal {
				s.logger.Info("child exited normally", "exit_code", exitCode)
				return nil
			}
			s.logger.Error("restart budget exhausted", "exit_code", exitCode, "max_restarts", s.cfg.MaxRestarts)
			return fmt.Errorf("%w after %d restarts (last exit code %d)", ErrRestartsExhausted, s.Status().RestartCount, exitCode)
		}

		s.incrementRestarts()
		s.transition(StateRestarting)
		s.logger.Warn("child exited, restarting",
			"exit_code", exitCode, "delay", s.cfg.RestartDelay, "restart_count", s.Status().RestartCount)
		if err := s.sleep(ctx, s.cfg.RestartDelay); err != nil {
			s.transition(StateShuttingDown)
			s.transition(StateStopped)
			return nil
		}
	}
}

// waitChild waits for the child, handling context cancellation with a
// forwarded signal and a bounded grace period before SIGKILL.
func (s *Supervisor) waitChild(ctx context.Context, cmd *exec.Cmd) (int, error) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return exitCode(cmd, err), waitErrOnly(err)
	case <-ctx.Done():
		s.transition(StateShuttingDown)
		s.logger.Info("forwarding termination signal", "pid", cmd.Process.Pid, "grace", s.cfg.GracePeriod)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-waitCh:
			return exitCode(cmd, err), nil
		case <-time.After(s.cfg.GracePeriod):
			s.logger.Warn("grace period expired, killing child", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			err := <-waitCh
			return exitCode(cmd, err), nil
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (s *Supervisor) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return true
	}
	if !canTransition(s.state, next) {
		s.logger.Warn("illegal state transition ignored", "from", s.state.String(), "to", next.String())
		return false
	}
	s.state = next
	return true
}

func (s *Supervisor) stateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

func (s *Supervisor) incrementRestarts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartCount++
}

func (s *Supervisor) resetRestarts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartCount = 0
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// waitErrOnly filters exec.ExitError, which is already handled via exit codes.
func waitErrOnly(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
