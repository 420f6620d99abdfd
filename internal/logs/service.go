package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/repository"
	"github.com/lightfold/deployd/internal/ws"
)

// Service persists deployment log entries and streams them to subscribers.
type Service struct {
	repo   repository.DeploymentLogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.DeploymentLogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.DeploymentLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.Level == "" {
		entry.Level = domain.LogLevelInfo
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns logs for a deployment.
func (s Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	return s.repo.ListLogsByDeployment(ctx, deploymentID, limit, offset)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(entry domain.DeploymentLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.DeploymentID, data)
}

// MarshalEntry formats a deployment log for streaming payloads.
func MarshalEntry(entry domain.DeploymentLog) ([]byte, error) {
	payload := map[string]any{
		"id":            entry.ID,
		"deployment_id": entry.DeploymentID,
		"phase":         entry.Phase,
		"level":         entry.Level,
		"message":       entry.Message,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
