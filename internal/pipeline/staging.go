package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/shell"
)

// runStaging deploys to the staging target, waits for it to become healthy,
// and runs smoke tests plus one performance probe. Staging is advisory: every
// failure is downgraded to a skipped result and the pipeline proceeds.
func (o *Orchestrator) runStaging(ctx context.Context, project domain.Project, deploymentID string) PhaseResult {
	result := PhaseResult{Phase: domain.PhaseStaging}
	start := o.now()
	defer func() { result.Duration = o.now().Sub(start) }()

	if project.StagingURL == "" || project.StagingCommand == "" {
		o.logf(ctx, deploymentID, domain.PhaseStaging, domain.LogLevelInfo, "staging not configured, skipping")
		result.Success = true
		result.Skipped = true
		return result
	}

	if err := o.stagingSteps(ctx, project, deploymentID); err != nil {
		result.Skipped = true
		result.Error = err.Error()
		o.logf(ctx, deploymentID, domain.PhaseStaging, domain.LogLevelWarn,
			"staging failed, continuing to production: %v", err)
		return result
	}
	result.Success = true
	return result
}

func (o *Orchestrator) stagingSteps(ctx context.Context, project domain.Project, deploymentID string) error {
	timeout := project.CommandTimeout(o.cfg.CommandTimeout)

	run, err := o.runner.Run(ctx, project.StagingCommand, project.DeployPath, timeout)
	if err != nil || !run.Success() {
		return fmt.Errorf("staging deploy: %s", describeFailure(run, err))
	}
	o.logf(ctx, deploymentID, domain.PhaseStaging, domain.LogLevelInfo, "staging deploy completed")

	endpoints := o.endpoints(project)
	if !o.health.WaitForHealthy(ctx, project.StagingURL, endpoints, o.cfg.HealthyWaitAttempts, o.cfg.HealthyWaitInterval) {
		return fmt.Errorf("staging did not become healthy after %d attempts", o.cfg.HealthyWaitAttempts)
	}
	o.logf(ctx, deploymentID, domain.PhaseStaging, domain.LogLevelInfo, "staging healthy")

	if project.SmokeTestCommand != "" {
		run, err := o.runner.Run(ctx, project.SmokeTestCommand, project.DeployPath, timeout)
		if err != nil || !run.Success() {
			return fmt.Errorf("smoke tests: %s", describeFailure(run, err))
		}
		o.logf(ctx, deploymentID, domain.PhaseStaging, domain.LogLevelInfo, "smoke tests passed")
	}

	if project.PerfProbeCommand != "" {
		probeStart := o.now()
		run, err := o.runner.Run(ctx, project.PerfProbeCommand, project.DeployPath, timeout)
		if err != nil || !run.Success() {
			return fmt.Errorf("performance probe: %s", describeFailure(run, err))
		}
		o.logf(ctx, deploymentID, domain.PhaseStaging, domain.LogLevelInfo,
			"performance probe completed in %s", o.now().Sub(probeStart).Round(time.Millisecond))
	}
	return nil
}

func (o *Orchestrator) endpoints(project domain.Project) []string {
	endpoints, err := parseEndpoints(project.HealthEndpoints)
	if err != nil {
		o.logger.Warn("invalid health endpoints, probing root", "project", project.Name, "error", err)
		return nil
	}
	return endpoints
}

func describeFailure(run shell.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if run.TimedOut {
		return "command timed out"
	}
	if out := run.Output(); out != "" {
		return fmt.Sprintf("exit %d: %s", run.ExitCode, out)
	}
	return fmt.Sprintf("exit %d", run.ExitCode)
}
