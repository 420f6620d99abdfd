// Package project manages registration of deployable projects.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/pipeline"
	"github.com/lightfold/deployd/internal/repository"
	"github.com/lightfold/deployd/pkg/crypto"
)

// Service handles project registration and webhook secret management.
type Service struct {
	repo      repository.ProjectRepository
	logger    *slog.Logger
	secretKey string
}

// New constructs a project service.
func New(repo repository.ProjectRepository, logger *slog.Logger, secretKey string) Service {
	return Service{repo: repo, logger: logger, secretKey: secretKey}
}

// CreateInput is the registration payload.
type CreateInput struct {
	Name                  string          `json:"name"`
	Repository            string          `json:"repository"`
	ProductionURL         string          `json:"production_url"`
	StagingURL            string          `json:"staging_url"`
	MainBranch            string          `json:"main_branch"`
	DeployPath            string          `json:"deploy_path"`
	StagingCommand        string          `json:"staging_command"`
	ProductionCommand     string          `json:"production_command"`
	BackupCommand         string          `json:"backup_command"`
	RollbackCommand       string          `json:"rollback_command"`
	SmokeTestCommand      string          `json:"smoke_test_command"`
	PerfProbeCommand      string          `json:"perf_probe_command"`
	ValidationChecks      json.RawMessage `json:"validation_checks"`
	HealthEndpoints       json.RawMessage `json:"health_endpoints"`
	CommandTimeoutSeconds int             `json:"command_timeout_seconds"`
	WebhookSecret         string          `json:"webhook_secret"`
}

// Create validates and registers a project. When the input carries a webhook
// secret it is stored encrypted alongside the project.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Repository = strings.TrimSpace(input.Repository)
	if input.Name == "" {
		return nil, errors.New("name is required")
	}
	if input.Repository == "" {
		return nil, errors.New("repository is required")
	}
	if err := validateURL("production_url", input.ProductionURL, true); err != nil {
		return nil, err
	}
	if err := validateURL("staging_url", input.StagingURL, false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.ProductionCommand) == "" {
		return nil, errors.New("production_command is required")
	}
	if _, err := pipeline.ParseChecks(input.ValidationChecks); err != nil {
		return nil, err
	}
	if input.MainBranch == "" {
		input.MainBranch = "main"
	}

	proj := &domain.Project{
		ID:                    uuid.NewString(),
		Name:                  input.Name,
		Repository:            input.Repository,
		ProductionURL:         strings.TrimRight(input.ProductionURL, "/"),
		StagingURL:            strings.TrimRight(input.StagingURL, "/"),
		MainBranch:            input.MainBranch,
		DeployPath:            input.DeployPath,
		StagingCommand:        input.StagingCommand,
		ProductionCommand:     input.ProductionCommand,
		BackupCommand:         input.BackupCommand,
		RollbackCommand:       input.RollbackCommand,
		SmokeTestCommand:      input.SmokeTestCommand,
		PerfProbeCommand:      input.PerfProbeCommand,
		ValidationChecks:      input.ValidationChecks,
		HealthEndpoints:       input.HealthEndpoints,
		CommandTimeoutSeconds: input.CommandTimeoutSeconds,
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.repo.CreateProject(ctx, proj); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("a project is already registered for %s", input.Repository)
		}
		return nil, err
	}
	if secret := strings.TrimSpace(input.WebhookSecret); secret != "" {
		if err := s.SetWebhookSecret(ctx, proj.ID, secret); err != nil {
			return nil, err
		}
	}
	s.logger.Info("project registered", "project", proj.Name, "repository", proj.Repository)
	return proj, nil
}

// List returns all registered projects.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.repo.ListProjects(ctx)
}

// SetWebhookSecret stores an encrypted webhook secret for the project.
func (s Service) SetWebhookSecret(ctx context.Context, projectID, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("secret is required")
	}
	payload, err := crypto.EncryptString(s.secretKey, secret)
	if err != nil {
		return err
	}
	return s.repo.UpsertWebhookSecret(ctx, projectID, payload)
}

func validateURL(field, raw string, required bool) error {
	if strings.TrimSpace(raw) == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s is not a valid URL", field)
	}
	return nil
}
