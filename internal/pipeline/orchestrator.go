package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/health"
	"github.com/lightfold/deployd/internal/logs"
	"github.com/lightfold/deployd/internal/notify"
	"github.com/lightfold/deployd/internal/repository"
	"github.com/lightfold/deployd/internal/shell"
	"github.com/lightfold/deployd/pkg/config"
)

// HealthChecker is the slice of the health monitor the pipeline consumes.
type HealthChecker interface {
	PerformChecks(ctx context.Context, baseURL string, endpoints []string) health.Aggregate
	WaitForHealthy(ctx context.Context, baseURL string, endpoints []string, maxAttempts int, interval time.Duration) bool
}

// Orchestrator runs the four phases for one deployment attempt. Phases run
// strictly in order; a fatal error in validation or production aborts the run,
// staging failures never do.
type Orchestrator struct {
	deployments repository.DeploymentRepository
	logs        logs.Service
	health      HealthChecker
	runner      shell.Runner
	notifier    notify.Notifier
	logger      *slog.Logger
	cfg         config.PipelineConfig

	now func() time.Time
}

// New constructs an Orchestrator.
func New(deployments repository.DeploymentRepository, logSvc logs.Service, checker HealthChecker, runner shell.Runner, notifier notify.Notifier, logger *slog.Logger, cfg config.PipelineConfig) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deployments: deployments,
		logs:        logSvc,
		health:      checker,
		runner:      runner,
		notifier:    notifier,
		logger:      logger.With("component", "orchestrator"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Run executes one deployment attempt. priorCommit identifies the last commit
// known good in production, for rollback context. The returned report is
// complete even when err is non-nil; terminal status on the deployment record
// is written by the caller, which also guarantees registry cleanup.
func (o *Orchestrator) Run(ctx context.Context, project domain.Project, dep domain.Deployment, priorCommit string) (Report, error) {
	report := Report{
		DeploymentID: dep.ID,
		ProjectName:  project.Name,
		CommitHash:   dep.CommitHash,
		StartTime:    o.now().UTC(),
		Phases:       make(map[string]PhaseResult),
	}
	var runErr error
	currentPhase := domain.PhaseValidation

	// Finalization must not be skipped on failure: the report is rendered and
	// the outcome notified before the error propagates.
	defer func() {
		report.EndTime = o.now().UTC()
		report.Success = runErr == nil
		o.finalize(ctx, project, dep, &report)
	}()

	o.setPhase(ctx, dep.ID, domain.StatusRunning, currentPhase)
	o.logf(ctx, dep.ID, currentPhase, domain.LogLevelInfo,
		"starting deployment of %s at %s", project.Name, shortHash(dep.CommitHash))

	record := func(result PhaseResult) {
		report.Phases[result.Phase] = result
	}
	fail := func(phase string, err error) error {
		report.Errors = append(report.Errors, PhaseError{Phase: phase, Message: err.Error()})
		return err
	}

	// Phase 1: validation. Required check failures are fatal.
	result, err := o.runValidation(ctx, project, dep.ID)
	record(result)
	if err != nil {
		runErr = fail(currentPhase, err)
		return report, runErr
	}

	// Phase 2: staging, best-effort. Failures downgrade to a skipped result so
	// staging unavailability never blocks a production deploy.
	currentPhase = domain.PhaseStaging
	o.setPhase(ctx, dep.ID, domain.StatusRunning, currentPhase)
	result = o.runStaging(ctx, project, dep.ID)
	record(result)
	if !result.Success && !result.Skipped {
		// runStaging downgrades everything; this is a safety net.
		result.Skipped = true
		record(result)
	}
	if result.Error != "" {
		o.notify(ctx, project, dep, notify.EventWarning, "staging failed: "+result.Error)
	}

	// Phase 3: production, fatal on failure after an automatic rollback attempt.
	currentPhase = domain.PhaseProduction
	o.setPhase(ctx, dep.ID, domain.StatusRunning, currentPhase)
	result, err = o.runProduction(ctx, project, dep.ID, priorCommit)
	record(result)
	if err != nil {
		runErr = fail(currentPhase, err)
		return report, runErr
	}

	// Phase 4: monitoring.
	currentPhase = domain.PhaseMonitoring
	o.setPhase(ctx, dep.ID, domain.StatusRunning, currentPhase)
	result, err = o.runMonitoring(ctx, project, dep.ID)
	record(result)
	if err != nil {
		runErr = fail(currentPhase, err)
		return report, runErr
	}

	return report, nil
}

func (o *Orchestrator) finalize(ctx context.Context, project domain.Project, dep domain.Deployment, report *Report) {
	rendered := report.Render()
	o.logger.Info("deployment report",
		"deployment_id", dep.ID,
		"project", project.Name,
		"success", report.Success,
		"duration", report.EndTime.Sub(report.StartTime).Round(time.Millisecond).String())
	level := domain.LogLevelInfo
	event := notify.EventSuccess
	message := "deployment completed"
	if !report.Success {
		level = domain.LogLevelError
		event = notify.EventFailed
		message = "deployment failed"
		if len(report.Errors) > 0 {
			message = report.Errors[len(report.Errors)-1].Message
		}
	}
	o.logf(ctx, dep.ID, lastPhase(report), level, "%s", rendered)
	o.notify(ctx, project, dep, event, message)
}

func lastPhase(report *Report) string {
	last := domain.PhaseValidation
	for _, phase := range []string{domain.PhaseValidation, domain.PhaseStaging, domain.PhaseProduction, domain.PhaseMonitoring} {
		if _, ok := report.Phases[phase]; ok {
			last = phase
		}
	}
	return last
}

func (o *Orchestrator) setPhase(ctx context.Context, deploymentID, status, phase string) {
	update := domain.DeploymentStatusUpdate{DeploymentID: deploymentID, Status: status, Phase: phase}
	if err := o.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		o.logger.Warn("phase update failed", "deployment_id", deploymentID, "phase", phase, "error", err)
	}
}

func (o *Orchestrator) logf(ctx context.Context, deploymentID, phase, level, format string, args ...any) {
	entry := domain.DeploymentLog{
		DeploymentID: deploymentID,
		Phase:        phase,
		Level:        level,
		Message:      fmt.Sprintf(format, args...),
	}
	if err := o.logs.Append(ctx, entry); err != nil {
		o.logger.Warn("deployment log append failed", "deployment_id", deploymentID, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, project domain.Project, dep domain.Deployment, eventType, message string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, notify.Event{
		Type:         eventType,
		Project:      project.Name,
		DeploymentID: dep.ID,
		CommitHash:   dep.CommitHash,
		Message:      message,
		Timestamp:    o.now().UTC(),
	})
}
