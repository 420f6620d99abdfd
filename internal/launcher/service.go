// Package launcher maps inbound source-control webhooks to at most one
// concurrent deployment per project.
package launcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/notify"
	"github.com/lightfold/deployd/internal/pipeline"
	"github.com/lightfold/deployd/internal/repository"
	"github.com/lightfold/deployd/pkg/crypto"
)

// Orchestrator runs one deployment attempt to completion.
type Orchestrator interface {
	Run(ctx context.Context, project domain.Project, dep domain.Deployment, priorCommit string) (pipeline.Report, error)
}

// OutcomeRecorder counts deployment outcomes, typically for metrics.
type OutcomeRecorder interface {
	RecordDeployment(outcome string)
}

// Service verifies webhook authenticity, enforces the single-flight guard,
// records deployment lifecycle state, and invokes the orchestrator
// asynchronously.
type Service struct {
	projects     repository.ProjectRepository
	deployments  repository.DeploymentRepository
	orchestrator Orchestrator
	registry     *Registry
	notifier     notify.Notifier
	recorder     OutcomeRecorder
	logger       *slog.Logger

	// secretKey decrypts webhook secrets stored at rest.
	secretKey string

	// done is closed-signalled per run for tests that need to await the
	// asynchronous orchestration.
	done chan string
}

// New constructs a launcher service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, orchestrator Orchestrator, registry *Registry, notifier notify.Notifier, logger *slog.Logger, secretKey string) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projects:     projects,
		deployments:  deployments,
		orchestrator: orchestrator,
		registry:     registry,
		notifier:     notifier,
		logger:       logger.With("component", "launcher"),
		secretKey:    secretKey,
	}
}

// SetOutcomeRecorder wires an optional metrics sink.
func (s *Service) SetOutcomeRecorder(recorder OutcomeRecorder) {
	s.recorder = recorder
}

// Registry exposes the concurrency guard for status endpoints and tests.
func (s *Service) Registry() *Registry {
	return s.registry
}

// ProcessWebhook handles one inbound event. Signature verification happens
// before any deployment side effect; the response carries the HTTP status the
// transport layer should use.
func (s *Service) ProcessWebhook(ctx context.Context, event, signature string, body []byte) Response {
	payload, err := parsePayload(body)
	if err != nil {
		return Response{Status: http.StatusBadRequest, Message: "invalid JSON payload", Action: ActionIgnored}
	}
	repo := payload.repoName()
	if repo == "" {
		return Response{Status: http.StatusBadRequest, Message: "payload missing repository identification", Action: ActionIgnored}
	}

	project, err := s.projects.GetProjectByRepo(ctx, repo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			registered := s.registeredRepos(ctx)
			s.logger.Warn("webhook for unknown repository", "repository", repo, "registered", registered)
			return Response{
				Status:  http.StatusNotFound,
				Message: fmt.Sprintf("no project registered for %s (registered: %s)", repo, strings.Join(registered, ", ")),
				Action:  ActionIgnored,
			}
		}
		return Response{Status: http.StatusInternalServerError, Message: err.Error(), Action: ActionIgnored}
	}

	if resp, ok := s.verifySignature(ctx, project, signature, body); !ok {
		return resp
	}

	switch event {
	case EventPush:
		return s.handlePush(ctx, *project, payload)
	case EventPullRequest:
		s.logger.Info("pull request event acknowledged",
			"project", project.Name, "number", payload.PullRequest.Number, "title", payload.PullRequest.Title)
		return Response{Status: http.StatusOK, Success: true, Message: "pull request acknowledged", Action: ActionAcknowledged}
	case EventRelease:
		if payload.Action == "published" {
			commit := payload.Release.TargetCommitish
			message := "release " + payload.Release.TagName
			return s.launch(ctx, *project, commit, message, project.MainBranch)
		}
		s.logger.Info("release event acknowledged", "project", project.Name, "action", payload.Action)
		return Response{Status: http.StatusOK, Success: true, Message: "release acknowledged", Action: ActionAcknowledged}
	default:
		return Response{Status: http.StatusOK, Success: true, Message: "event ignored", Action: ActionAcknowledged}
	}
}

func (s *Service) handlePush(ctx context.Context, project domain.Project, payload pushPayload) Response {
	wantRef := "refs/heads/" + project.MainBranch
	if payload.Ref != wantRef {
		s.logger.Info("push to non-deploy branch ignored", "project", project.Name, "ref", payload.Ref)
		return Response{
			Status:  http.StatusOK,
			Success: true,
			Message: fmt.Sprintf("push to %s ignored (deploys from %s)", payload.Ref, wantRef),
			Action:  ActionIgnored,
		}
	}
	commit := payload.After
	if commit == "" {
		commit = payload.HeadCommit.ID
	}
	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	return s.launch(ctx, project, commit, payload.HeadCommit.Message, branch)
}

// launch enforces the single-flight guard, creates the deployment record, and
// starts orchestration asynchronously.
func (s *Service) launch(ctx context.Context, project domain.Project, commit, message, branch string) Response {
	deploymentID := uuid.NewString()
	ok, inflight := s.registry.Acquire(project.Name, deploymentID)
	if !ok {
		s.logger.Info("deployment already in flight, push ignored",
			"project", project.Name, "inflight", inflight)
		return Response{
			Status:  http.StatusOK,
			Success: true,
			Message: fmt.Sprintf("deployment %s already in progress", inflight),
			Action:  ActionIgnored,
		}
	}

	now := time.Now().UTC()
	dep := domain.Deployment{
		ID:            deploymentID,
		ProjectID:     project.ID,
		CommitHash:    commit,
		CommitMessage: message,
		Branch:        branch,
		Status:        domain.StatusPending,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, &dep); err != nil {
		s.registry.Release(project.Name)
		s.logger.Error("failed to create deployment record", "project", project.Name, "error", err)
		return Response{Status: http.StatusInternalServerError, Message: err.Error(), Action: ActionIgnored}
	}

	s.notify(ctx, project, dep, notify.EventStarted, "deployment started")
	s.logger.Info("deployment launched",
		"project", project.Name, "deployment_id", dep.ID, "commit", commit, "branch", branch)

	runCtx := context.WithoutCancel(ctx)
	go s.runDeployment(runCtx, project, dep)

	return Response{
		Status:       http.StatusOK,
		Success:      true,
		Message:      "deployment started",
		DeploymentID: dep.ID,
		Action:       ActionDeploy,
	}
}

// runDeployment awaits the orchestrator and finalizes the record. The registry
// entry is released in a defer so the guard is cleared on every path,
// including panics inside the orchestrator.
func (s *Service) runDeployment(ctx context.Context, project domain.Project, dep domain.Deployment) {
	outcome := "failed"
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("orchestrator panicked", "deployment_id", dep.ID, "panic", r)
			s.finalize(ctx, dep.ID, domain.StatusFailed, fmt.Sprintf("internal error: %v", r))
		}
		s.registry.Release(project.Name)
		if s.recorder != nil {
			s.recorder.RecordDeployment(outcome)
		}
		if s.done != nil {
			s.done <- dep.ID
		}
	}()

	priorCommit := s.lastSuccessfulCommit(ctx, project.ID)
	_, err := s.orchestrator.Run(ctx, project, dep, priorCommit)
	if err != nil {
		s.finalize(ctx, dep.ID, domain.StatusFailed, err.Error())
		return
	}
	outcome = "success"
	s.finalize(ctx, dep.ID, domain.StatusSuccess, "")
}

func (s *Service) finalize(ctx context.Context, deploymentID, status, errMsg string) {
	completed := time.Now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       status,
		Error:        errMsg,
		CompletedAt:  &completed,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Error("failed to finalize deployment", "deployment_id", deploymentID, "error", err)
	}
}

// lastSuccessfulCommit finds the commit currently believed good in production.
func (s *Service) lastSuccessfulCommit(ctx context.Context, projectID string) string {
	deployments, err := s.deployments.ListDeploymentsByProject(ctx, projectID, 50)
	if err != nil {
		s.logger.Warn("could not determine prior commit", "project_id", projectID, "error", err)
		return ""
	}
	for _, d := range deployments {
		if d.Status == domain.StatusSuccess {
			return d.CommitHash
		}
	}
	return ""
}

// verifySignature checks the HMAC when the project has a secret configured.
// Projects without a secret accept unsigned payloads.
func (s *Service) verifySignature(ctx context.Context, project *domain.Project, signature string, body []byte) (Response, bool) {
	encrypted, err := s.projects.GetWebhookSecret(ctx, project.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Response{}, true
		}
		return Response{Status: http.StatusInternalServerError, Message: err.Error(), Action: ActionIgnored}, false
	}
	secret, err := crypto.DecryptToString(s.secretKey, encrypted)
	if err != nil {
		s.logger.Error("webhook secret decryption failed", "project", project.Name, "error", err)
		return Response{Status: http.StatusInternalServerError, Message: "webhook secret unavailable", Action: ActionIgnored}, false
	}
	if err := ValidateSignature(body, []byte(secret), signature); err != nil {
		s.logger.Warn("webhook signature rejected", "project", project.Name, "error", err)
		return Response{Status: http.StatusUnauthorized, Message: err.Error(), Action: ActionIgnored}, false
	}
	return Response{}, true
}

// ValidateSignature checks an HMAC-SHA256 signature over the raw payload. The
// provided value may carry a "sha256=" prefix.
func ValidateSignature(payload []byte, secret []byte, provided string) error {
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

func (s *Service) registeredRepos(ctx context.Context) []string {
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return nil
	}
	repos := make([]string, 0, len(projects))
	for _, p := range projects {
		repos = append(repos, p.Repository)
	}
	return repos
}

func (s *Service) notify(ctx context.Context, project domain.Project, dep domain.Deployment, eventType, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:         eventType,
		Project:      project.Name,
		DeploymentID: dep.ID,
		CommitHash:   dep.CommitHash,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	})
}
