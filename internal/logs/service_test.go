package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/pkg/logger"
)

type memoryLogRepo struct {
	entries []domain.DeploymentLog
}

func (m *memoryLogRepo) AppendLog(_ context.Context, entry domain.DeploymentLog) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLogRepo) ListLogsByDeployment(_ context.Context, deploymentID string, _, _ int) ([]domain.DeploymentLog, error) {
	var out []domain.DeploymentLog
	for _, e := range m.entries {
		if e.DeploymentID == deploymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestAppendFillsDefaults(t *testing.T) {
	repo := &memoryLogRepo{}
	svc := New(repo, nil, logger.New("test", slog.LevelError))

	err := svc.Append(context.Background(), domain.DeploymentLog{
		DeploymentID: "dep-1",
		Phase:        domain.PhaseValidation,
		Message:      "checks passed",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(repo.entries))
	}
	stored := repo.entries[0]
	if stored.Level != domain.LogLevelInfo {
		t.Fatalf("expected default info level, got %q", stored.Level)
	}
	if stored.CreatedAt.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if stored.CreatedAt.Location() != stored.CreatedAt.UTC().Location() {
		t.Fatal("timestamps must be stored in UTC")
	}
}

func TestMarshalEntryShape(t *testing.T) {
	entry := domain.DeploymentLog{
		ID:           7,
		DeploymentID: "dep-1",
		Phase:        domain.PhaseProduction,
		Level:        domain.LogLevelWarn,
		Message:      "backup failed",
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		t.Fatalf("MarshalEntry: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if payload["deployment_id"] != "dep-1" || payload["phase"] != domain.PhaseProduction {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["level"] != domain.LogLevelWarn || payload["message"] != "backup failed" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
