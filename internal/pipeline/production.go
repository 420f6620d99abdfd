package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lightfold/deployd/internal/domain"
)

func parseEndpoints(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var endpoints []string
	if err := json.Unmarshal(raw, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// runProduction captures rollback data, deploys to production, and verifies
// the result. Deploy or verification failures trigger an automatic rollback
// attempt with the backup captured before the deploy step, then the original
// error propagates.
func (o *Orchestrator) runProduction(ctx context.Context, project domain.Project, deploymentID, priorCommit string) (PhaseResult, error) {
	result := PhaseResult{Phase: domain.PhaseProduction}
	start := o.now()
	defer func() { result.Duration = o.now().Sub(start) }()

	if strings.TrimSpace(project.ProductionCommand) == "" {
		err := fmt.Errorf("production deploy command not configured for %s", project.Name)
		result.Error = err.Error()
		return result, err
	}

	timeout := project.CommandTimeout(o.cfg.CommandTimeout)

	// Backup before touching production. Absence of a backup command is
	// tolerated but still recorded as rollback context.
	rollback := RollbackData{ProjectName: project.Name, PriorCommit: priorCommit}
	if project.BackupCommand == "" {
		o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelWarn,
			"no backup command configured, rollback will rely on prior commit %s", shortHash(priorCommit))
	} else {
		run, err := o.runner.Run(ctx, project.BackupCommand, project.DeployPath, timeout)
		if err != nil || !run.Success() {
			o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelWarn,
				"backup failed: %s", describeFailure(run, err))
		} else {
			rollback.BackupRef = strings.TrimSpace(run.Stdout)
			rollback.HasBackup = true
			o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelInfo,
				"backup created: %s", rollback.BackupRef)
		}
	}

	deployErr := o.productionDeploy(ctx, project, deploymentID, timeout)
	if deployErr != nil {
		o.attemptRollback(ctx, project, deploymentID, rollback)
		result.Error = deployErr.Error()
		return result, deployErr
	}

	result.Success = true
	return result, nil
}

func (o *Orchestrator) productionDeploy(ctx context.Context, project domain.Project, deploymentID string, timeout time.Duration) error {
	run, err := o.runner.Run(ctx, project.ProductionCommand, project.DeployPath, timeout)
	if err != nil || !run.Success() {
		return fmt.Errorf("production deploy: %s", describeFailure(run, err))
	}
	o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelInfo, "production deploy completed")

	endpoints := o.endpoints(project)
	if !o.health.WaitForHealthy(ctx, project.ProductionURL, endpoints, o.cfg.HealthyWaitAttempts, o.cfg.HealthyWaitInterval) {
		return fmt.Errorf("production did not become reachable after %d attempts", o.cfg.HealthyWaitAttempts)
	}

	agg := o.health.PerformChecks(ctx, project.ProductionURL, endpoints)
	if !agg.Healthy {
		return fmt.Errorf("production health checks failed (%d/%d healthy)", agg.HealthyCount, agg.TotalCount)
	}
	o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelInfo,
		"production healthy (%d/%d endpoints)", agg.HealthyCount, agg.TotalCount)
	return nil
}

// attemptRollback consumes the rollback data captured before the deploy step.
// Its own failure is logged but never masks the original deploy error.
func (o *Orchestrator) attemptRollback(ctx context.Context, project domain.Project, deploymentID string, rollback RollbackData) {
	if project.RollbackCommand == "" {
		o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelError,
			"no rollback command configured, manual intervention required")
		return
	}
	o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelWarn,
		"attempting rollback (backup=%v ref=%q prior=%s)", rollback.HasBackup, rollback.BackupRef, shortHash(rollback.PriorCommit))

	command := project.RollbackCommand
	env := rollbackEnv(rollback)
	if env != "" {
		command = env + " " + command
	}
	run, err := o.runner.Run(ctx, command, project.DeployPath, project.CommandTimeout(o.cfg.CommandTimeout))
	if err != nil || !run.Success() {
		o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelError,
			"rollback failed: %s", describeFailure(run, err))
		return
	}
	o.logf(ctx, deploymentID, domain.PhaseProduction, domain.LogLevelInfo, "rollback completed")
}

// rollbackEnv exposes rollback context to the external rollback command.
func rollbackEnv(rollback RollbackData) string {
	var parts []string
	if rollback.BackupRef != "" {
		parts = append(parts, "DEPLOY_BACKUP_REF="+shellQuote(rollback.BackupRef))
	}
	if rollback.PriorCommit != "" {
		parts = append(parts, "DEPLOY_PRIOR_COMMIT="+shellQuote(rollback.PriorCommit))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
