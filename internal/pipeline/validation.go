package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lightfold/deployd/internal/domain"
)

// ParseChecks decodes a project's validation check list. A missing or empty
// list is valid and means no checks run.
func ParseChecks(raw json.RawMessage) ([]Check, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var checks []Check
	if err := json.Unmarshal(raw, &checks); err != nil {
		return nil, fmt.Errorf("decode validation checks: %w", err)
	}
	for i, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, fmt.Errorf("validation check %d has no name", i)
		}
		if strings.TrimSpace(check.Command) == "" {
			return nil, fmt.Errorf("validation check %q has no command", check.Name)
		}
	}
	return checks, nil
}

// runValidation executes the project's ordered check list. Optional failures
// become warnings; required failures aggregate into a single fatal error
// listing every failed check.
func (o *Orchestrator) runValidation(ctx context.Context, project domain.Project, deploymentID string) (PhaseResult, error) {
	result := PhaseResult{Phase: domain.PhaseValidation}
	start := o.now()
	defer func() { result.Duration = o.now().Sub(start) }()

	checks, err := ParseChecks(project.ValidationChecks)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if len(checks) == 0 {
		o.logf(ctx, deploymentID, domain.PhaseValidation, domain.LogLevelInfo, "no validation checks configured")
		result.Success = true
		return result, nil
	}

	timeout := project.CommandTimeout(o.cfg.CommandTimeout)
	var requiredFailures []string
	for _, check := range checks {
		run, err := o.runner.Run(ctx, check.Command, project.DeployPath, timeout)
		if err == nil && run.Success() {
			o.logf(ctx, deploymentID, domain.PhaseValidation, domain.LogLevelInfo, "check %q passed", check.Name)
			continue
		}
		detail := describeFailure(run, err)
		if check.Optional {
			warning := fmt.Sprintf("optional check %q failed: %s", check.Name, detail)
			result.Warnings = append(result.Warnings, warning)
			o.logf(ctx, deploymentID, domain.PhaseValidation, domain.LogLevelWarn, "%s", warning)
			continue
		}
		requiredFailures = append(requiredFailures, fmt.Sprintf("%s: %s", check.Name, detail))
		o.logf(ctx, deploymentID, domain.PhaseValidation, domain.LogLevelError, "required check %q failed: %s", check.Name, detail)
	}

	if len(requiredFailures) > 0 {
		err := fmt.Errorf("validation failed: %s", strings.Join(requiredFailures, "; "))
		result.Error = err.Error()
		return result, err
	}
	result.Success = true
	return result, nil
}
