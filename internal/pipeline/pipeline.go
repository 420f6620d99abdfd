// Package pipeline sequences a deployment through validation, staging,
// production, and post-deployment monitoring.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/lightfold/deployd/internal/domain"
)

// Check is one named validation command. Optional failures are logged but do
// not fail the phase.
type Check struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Optional bool   `json:"optional"`
}

// PhaseResult is the transient outcome of one phase.
type PhaseResult struct {
	Phase    string   `json:"phase"`
	Success  bool     `json:"success"`
	Skipped  bool     `json:"skipped,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// SuccessRate is populated by the monitoring phase.
	SuccessRate float64 `json:"success_rate,omitempty"`
	Duration    time.Duration
}

// RollbackData holds what the production phase needs to reverse a deploy. It
// is created before the deploy step runs and consumed at most once.
type RollbackData struct {
	ProjectName string
	BackupRef   string
	PriorCommit string
	HasBackup   bool
}

// PhaseError records an error tagged with the phase active when it occurred.
type PhaseError struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// Report aggregates one orchestration run.
type Report struct {
	DeploymentID string
	ProjectName  string
	CommitHash   string
	Success      bool
	StartTime    time.Time
	EndTime      time.Time
	Phases       map[string]PhaseResult
	Errors       []PhaseError
}

// Render produces the human-readable summary emitted at finalization.
func (r Report) Render() string {
	var b strings.Builder
	status := "SUCCESS"
	if !r.Success {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "deployment %s (%s @ %s): %s in %s\n",
		r.DeploymentID, r.ProjectName, shortHash(r.CommitHash), status,
		r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	for _, phase := range []string{domain.PhaseValidation, domain.PhaseStaging, domain.PhaseProduction, domain.PhaseMonitoring} {
		result, ok := r.Phases[phase]
		if !ok {
			fmt.Fprintf(&b, "  %-10s not reached\n", phase)
			continue
		}
		state := "ok"
		switch {
		case result.Skipped && !result.Success:
			state = "skipped (failed)"
		case result.Skipped:
			state = "skipped"
		case !result.Success:
			state = "failed"
		}
		fmt.Fprintf(&b, "  %-10s %s", phase, state)
		if result.SuccessRate > 0 {
			fmt.Fprintf(&b, " (%.1f%% healthy)", result.SuccessRate)
		}
		if len(result.Warnings) > 0 {
			fmt.Fprintf(&b, " (%d warnings)", len(result.Warnings))
		}
		b.WriteString("\n")
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  error [%s]: %s\n", e.Phase, e.Message)
	}
	return b.String()
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	if hash == "" {
		return "unknown"
	}
	return hash
}
