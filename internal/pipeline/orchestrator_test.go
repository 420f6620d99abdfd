package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/health"
	"github.com/lightfold/deployd/internal/logs"
	"github.com/lightfold/deployd/internal/notify"
	"github.com/lightfold/deployd/internal/shell"
	"github.com/lightfold/deployd/pkg/config"
	"github.com/lightfold/deployd/pkg/logger"
)

// fakeRunner scripts results per command string. Unscripted commands succeed.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]shell.Result
	errs     map[string]error
	commands []string
}

func (f *fakeRunner) Run(_ context.Context, command, _ string, _ time.Duration) (shell.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	for key, err := range f.errs {
		if strings.Contains(command, key) {
			return shell.Result{ExitCode: -1}, err
		}
	}
	for key, result := range f.results {
		if strings.Contains(command, key) {
			return result, nil
		}
	}
	return shell.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) lastMatching(substr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.commands) - 1; i >= 0; i-- {
		if strings.Contains(f.commands[i], substr) {
			return f.commands[i]
		}
	}
	return ""
}

// fakeHealth serves scripted aggregates; PerformChecks pops from the queue and
// repeats the last element once drained.
type fakeHealth struct {
	mu      sync.Mutex
	queue   []health.Aggregate
	waitOK  bool
	waits   int
	performs int
}

func healthyAgg() health.Aggregate {
	return health.Aggregate{Healthy: true, HealthyCount: 1, TotalCount: 1, Percentage: 100}
}

func unhealthyAgg() health.Aggregate {
	return health.Aggregate{Healthy: false, HealthyCount: 0, TotalCount: 1, Percentage: 0}
}

func (f *fakeHealth) PerformChecks(_ context.Context, _ string, _ []string) health.Aggregate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performs++
	if len(f.queue) == 0 {
		return healthyAgg()
	}
	agg := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return agg
}

func (f *fakeHealth) WaitForHealthy(_ context.Context, _ string, _ []string, _ int, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return f.waitOK
}

type fakeStatusRepo struct {
	mu      sync.Mutex
	updates []domain.DeploymentStatusUpdate
}

func (f *fakeStatusRepo) CreateDeployment(_ context.Context, _ *domain.Deployment) error { return nil }

func (f *fakeStatusRepo) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeStatusRepo) GetDeploymentByID(_ context.Context, _ string) (*domain.Deployment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStatusRepo) ListDeploymentsByProject(_ context.Context, _ string, _ int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeStatusRepo) phases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range f.updates {
		if u.Phase != "" {
			out = append(out, u.Phase)
		}
	}
	return out
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []domain.DeploymentLog
}

func (f *fakeLogRepo) AppendLog(_ context.Context, entry domain.DeploymentLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLogRepo) ListLogsByDeployment(_ context.Context, _ string, _, _ int) ([]domain.DeploymentLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeploymentLog(nil), f.entries...), nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, event notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureNotifier) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type pipelineFixture struct {
	orch     *Orchestrator
	runner   *fakeRunner
	checker  *fakeHealth
	repo     *fakeStatusRepo
	logRepo  *fakeLogRepo
	notifier *captureNotifier
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	log := logger.New("test", slog.LevelError)
	f := &pipelineFixture{
		runner:   &fakeRunner{results: map[string]shell.Result{}, errs: map[string]error{}},
		checker:  &fakeHealth{waitOK: true},
		repo:     &fakeStatusRepo{},
		logRepo:  &fakeLogRepo{},
		notifier: &captureNotifier{},
	}
	cfg := config.PipelineConfig{
		HealthCheckTimeout:      time.Second,
		HealthyWaitAttempts:     3,
		HealthyWaitInterval:     time.Millisecond,
		CommandTimeout:          time.Second,
		MonitorDuration:         5 * time.Millisecond,
		MonitorInterval:         time.Millisecond,
		MonitorSuccessRate:      90,
		ConsecutiveFailureLimit: 3,
		RollbackThreshold:       3,
	}
	f.orch = New(f.repo, logs.New(f.logRepo, nil, log), f.checker, f.runner, f.notifier, log, cfg)
	return f
}

func fullProject() domain.Project {
	return domain.Project{
		ID:                "proj-1",
		Name:              "shop",
		Repository:        "acme/shop",
		ProductionURL:     "https://shop.example.com",
		StagingURL:        "https://staging.shop.example.com",
		MainBranch:        "main",
		DeployPath:        "/srv/shop",
		StagingCommand:    "./staging-deploy.sh",
		ProductionCommand: "./production-deploy.sh",
		BackupCommand:     "./backup.sh",
		RollbackCommand:   "./rollback.sh",
		SmokeTestCommand:  "./smoke.sh",
		ValidationChecks:  json.RawMessage(`[{"name":"tests","command":"./run-tests.sh"}]`),
	}
}

func testDeployment() domain.Deployment {
	return domain.Deployment{ID: "dep-1", ProjectID: "proj-1", CommitHash: "abcdef1234567890"}
}

func TestRunHappyPathCompletesAllPhases(t *testing.T) {
	f := newFixture(t)

	report, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "prior123")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !report.Success {
		t.Fatal("report should be successful")
	}
	for _, phase := range []string{domain.PhaseValidation, domain.PhaseStaging, domain.PhaseProduction, domain.PhaseMonitoring} {
		result, ok := report.Phases[phase]
		if !ok {
			t.Fatalf("phase %s missing from report", phase)
		}
		if !result.Success {
			t.Fatalf("phase %s should succeed: %+v", phase, result)
		}
	}
	if !f.runner.ran("run-tests.sh") || !f.runner.ran("production-deploy.sh") {
		t.Fatal("expected validation and production commands to run")
	}
	types := f.notifier.types()
	if len(types) == 0 || types[len(types)-1] != notify.EventSuccess {
		t.Fatalf("expected trailing success notification, got %v", types)
	}
}

func TestRunPhaseOrderRecordedOnStatusUpdates(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), ""); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := []string{domain.PhaseValidation, domain.PhaseStaging, domain.PhaseProduction, domain.PhaseMonitoring}
	got := f.repo.phases()
	if len(got) != len(want) {
		t.Fatalf("expected %d phase updates, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase order mismatch at %d: got %v", i, got)
		}
	}
}

func TestValidationRequiredFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.runner.results["run-tests.sh"] = shell.Result{ExitCode: 1, Stderr: "2 tests failed"}

	project := fullProject()
	report, err := f.orch.Run(context.Background(), project, testDeployment(), "")
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "2 tests failed") {
		t.Fatalf("error should carry check output: %v", err)
	}
	if f.runner.ran("production-deploy.sh") {
		t.Fatal("production must not run after validation failure")
	}
	if _, ok := report.Phases[domain.PhaseStaging]; ok {
		t.Fatal("staging must not be reached after validation failure")
	}
}

func TestValidationOptionalFailureWarnsOnly(t *testing.T) {
	f := newFixture(t)
	f.runner.results["lint.sh"] = shell.Result{ExitCode: 1, Stderr: "style issues"}

	project := fullProject()
	project.ValidationChecks = json.RawMessage(`[
		{"name":"tests","command":"./run-tests.sh"},
		{"name":"lint","command":"./lint.sh","optional":true}
	]`)

	report, err := f.orch.Run(context.Background(), project, testDeployment(), "")
	if err != nil {
		t.Fatalf("optional failure must not abort: %v", err)
	}
	validation := report.Phases[domain.PhaseValidation]
	if len(validation.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", validation.Warnings)
	}
	if !strings.Contains(validation.Warnings[0], "lint") {
		t.Fatalf("warning should name the check: %q", validation.Warnings[0])
	}
}

func TestValidationAggregatesAllRequiredFailures(t *testing.T) {
	f := newFixture(t)
	f.runner.results["run-tests.sh"] = shell.Result{ExitCode: 1}
	f.runner.results["audit.sh"] = shell.Result{ExitCode: 2}

	project := fullProject()
	project.ValidationChecks = json.RawMessage(`[
		{"name":"tests","command":"./run-tests.sh"},
		{"name":"audit","command":"./audit.sh"}
	]`)

	_, err := f.orch.Run(context.Background(), project, testDeployment(), "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "tests") || !strings.Contains(err.Error(), "audit") {
		t.Fatalf("error should list every failed check: %v", err)
	}
}

func TestStagingUnconfiguredSkips(t *testing.T) {
	f := newFixture(t)
	project := fullProject()
	project.StagingURL = ""
	project.StagingCommand = ""

	report, err := f.orch.Run(context.Background(), project, testDeployment(), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	staging := report.Phases[domain.PhaseStaging]
	if !staging.Success || !staging.Skipped {
		t.Fatalf("unconfigured staging should be success+skipped: %+v", staging)
	}
}

func TestStagingFailureDowngradedAndProductionProceeds(t *testing.T) {
	f := newFixture(t)
	f.runner.results["staging-deploy.sh"] = shell.Result{ExitCode: 1, Stderr: "disk full"}

	report, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err != nil {
		t.Fatalf("staging failure must not abort the run: %v", err)
	}
	staging := report.Phases[domain.PhaseStaging]
	if staging.Success {
		t.Fatal("failed staging must not be successful")
	}
	if !staging.Skipped {
		t.Fatal("failed staging must be downgraded to skipped")
	}
	if !strings.Contains(staging.Error, "disk full") {
		t.Fatalf("staging error should carry output: %q", staging.Error)
	}
	if !f.runner.ran("production-deploy.sh") {
		t.Fatal("production must still run after staging failure")
	}
	found := false
	for _, typ := range f.notifier.types() {
		if typ == notify.EventWarning {
			found = true
		}
	}
	if !found {
		t.Fatal("staging failure should emit a warning notification")
	}
}

func TestStagingSmokeTestFailureDowngraded(t *testing.T) {
	f := newFixture(t)
	f.runner.results["smoke.sh"] = shell.Result{ExitCode: 1}

	report, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err != nil {
		t.Fatalf("smoke failure must not abort the run: %v", err)
	}
	staging := report.Phases[domain.PhaseStaging]
	if !staging.Skipped || !strings.Contains(staging.Error, "smoke tests") {
		t.Fatalf("expected downgraded smoke failure: %+v", staging)
	}
}

func TestProductionMissingCommandFatal(t *testing.T) {
	f := newFixture(t)
	project := fullProject()
	project.ProductionCommand = ""

	_, err := f.orch.Run(context.Background(), project, testDeployment(), "")
	if err == nil {
		t.Fatal("missing production command must be fatal")
	}
	if !strings.Contains(err.Error(), "production deploy command not configured") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProductionFailureTriggersRollbackThenPropagates(t *testing.T) {
	f := newFixture(t)
	f.runner.results["backup.sh"] = shell.Result{ExitCode: 0, Stdout: "backup-2024-01-01\n"}
	f.runner.results["production-deploy.sh"] = shell.Result{ExitCode: 1, Stderr: "migration crashed"}

	_, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "prior123")
	if err == nil {
		t.Fatal("expected production failure")
	}
	if !strings.Contains(err.Error(), "migration crashed") {
		t.Fatalf("original deploy error must propagate: %v", err)
	}
	if !f.runner.ran("rollback.sh") {
		t.Fatal("rollback must run after a failed production deploy")
	}
	rollbackCmd := f.runner.lastMatching("rollback.sh")
	if !strings.Contains(rollbackCmd, "DEPLOY_BACKUP_REF='backup-2024-01-01'") {
		t.Fatalf("rollback must receive the backup reference: %q", rollbackCmd)
	}
	if !strings.Contains(rollbackCmd, "DEPLOY_PRIOR_COMMIT='prior123'") {
		t.Fatalf("rollback must receive the prior commit: %q", rollbackCmd)
	}
}

func TestProductionRollbackFailureDoesNotMaskDeployError(t *testing.T) {
	f := newFixture(t)
	f.runner.results["production-deploy.sh"] = shell.Result{ExitCode: 1, Stderr: "primary failure"}
	f.runner.results["rollback.sh"] = shell.Result{ExitCode: 1, Stderr: "rollback also failed"}

	_, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err == nil {
		t.Fatal("expected production failure")
	}
	if !strings.Contains(err.Error(), "primary failure") {
		t.Fatalf("deploy error must survive rollback failure: %v", err)
	}
	if strings.Contains(err.Error(), "rollback also failed") {
		t.Fatalf("rollback error must not replace the deploy error: %v", err)
	}
}

func TestProductionUnhealthyAfterDeployRollsBack(t *testing.T) {
	f := newFixture(t)
	f.checker.waitOK = false

	_, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err == nil {
		t.Fatal("expected failure when production never becomes reachable")
	}
	if !strings.Contains(err.Error(), "did not become reachable") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.runner.ran("rollback.sh") {
		t.Fatal("unreachable production must trigger rollback")
	}
}

func TestProductionWithoutRollbackCommandStillFails(t *testing.T) {
	f := newFixture(t)
	f.runner.results["production-deploy.sh"] = shell.Result{ExitCode: 1}
	project := fullProject()
	project.RollbackCommand = ""

	_, err := f.orch.Run(context.Background(), project, testDeployment(), "")
	if err == nil {
		t.Fatal("expected production failure")
	}
	entries, _ := f.logRepo.ListLogsByDeployment(context.Background(), "dep-1", 0, 0)
	found := false
	for _, e := range entries {
		if strings.Contains(e.Message, "manual intervention required") {
			found = true
		}
	}
	if !found {
		t.Fatal("missing rollback command should be logged as requiring manual intervention")
	}
}

func TestMonitoringAbortsAtErrorThreshold(t *testing.T) {
	f := newFixture(t)
	// The production phase consumes one PerformChecks pass; queue it healthy,
	// then every monitoring check fails.
	f.checker.queue = []health.Aggregate{healthyAgg(), unhealthyAgg()}
	// A long window guarantees the threshold trips before the deadline.
	f.orch.cfg.MonitorDuration = time.Minute

	_, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err == nil {
		t.Fatal("expected monitoring failure")
	}
	if !strings.Contains(err.Error(), "too many errors detected (3/3)") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMonitoringPassesHealthyWindow(t *testing.T) {
	f := newFixture(t)

	report, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	monitoring := report.Phases[domain.PhaseMonitoring]
	if !monitoring.Success {
		t.Fatalf("healthy monitoring window should pass: %+v", monitoring)
	}
	if monitoring.SuccessRate != 100 {
		t.Fatalf("expected 100%% success rate, got %.1f", monitoring.SuccessRate)
	}
}

func TestReportRenderListsUnreachedPhases(t *testing.T) {
	f := newFixture(t)
	f.runner.results["run-tests.sh"] = shell.Result{ExitCode: 1}

	report, err := f.orch.Run(context.Background(), fullProject(), testDeployment(), "")
	if err == nil {
		t.Fatal("expected failure")
	}
	rendered := report.Render()
	if !strings.Contains(rendered, "FAILED") {
		t.Fatalf("rendered report should carry FAILED: %s", rendered)
	}
	if !strings.Contains(rendered, "not reached") {
		t.Fatalf("unreached phases should be marked: %s", rendered)
	}
}

func TestParseChecksRejectsMalformedEntries(t *testing.T) {
	if _, err := ParseChecks(json.RawMessage(`[{"command":"x"}]`)); err == nil {
		t.Fatal("check without a name must be rejected")
	}
	if _, err := ParseChecks(json.RawMessage(`[{"name":"x"}]`)); err == nil {
		t.Fatal("check without a command must be rejected")
	}
	checks, err := ParseChecks(nil)
	if err != nil || checks != nil {
		t.Fatalf("empty input should parse to no checks, got %v, %v", checks, err)
	}
}
