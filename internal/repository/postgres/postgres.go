package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightfold/deployd/internal/domain"
	"github.com/lightfold/deployd/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository    = (*Repository)(nil)
	_ repository.DeploymentLogRepository = (*Repository)(nil)
)

const projectColumns = `id, name, repository, production_url, staging_url, main_branch, deploy_path,
	staging_command, production_command, backup_command, rollback_command, smoke_test_command, perf_probe_command,
	validation_checks, health_endpoints, command_timeout_seconds, created_at`

// CreateProject inserts a project. A duplicate repository identifier yields
// ErrConflict.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.Repository, project.ProductionURL, project.StagingURL,
		project.MainBranch, project.DeployPath,
		project.StagingCommand, project.ProductionCommand, project.BackupCommand,
		project.RollbackCommand, project.SmokeTestCommand, project.PerfProbeCommand,
		project.ValidationChecks, project.HealthEndpoints, project.CommandTimeoutSeconds, project.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrConflict
	}
	return err
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, id))
}

// GetProjectByRepo resolves a project by repository identifier.
func (r *Repository) GetProjectByRepo(ctx context.Context, repo string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE repository = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, repo))
}

// ListProjects returns all registered projects.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		project, err := r.scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Repository, &p.ProductionURL, &p.StagingURL,
		&p.MainBranch, &p.DeployPath,
		&p.StagingCommand, &p.ProductionCommand, &p.BackupCommand,
		&p.RollbackCommand, &p.SmokeTestCommand, &p.PerfProbeCommand,
		&p.ValidationChecks, &p.HealthEndpoints, &p.CommandTimeoutSeconds, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpsertWebhookSecret stores encrypted secret bytes for a project.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO webhook_secrets (project_id, secret, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return err
}

// GetWebhookSecret loads encrypted secret bytes. ErrNotFound means the project
// has no secret configured.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE project_id = $1`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, commit_hash, commit_message, branch, status, phase, error, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.ProjectID, deployment.CommitHash, deployment.CommitMessage,
		deployment.Branch, deployment.Status, nullable(deployment.Phase), deployment.Error,
		deployment.StartedAt, deployment.UpdatedAt)
	return err
}

// UpdateDeploymentStatus applies a status update. Terminal statuses refuse to
// overwrite an already-terminal row so completed_at is written exactly once.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			phase = COALESCE($3, phase),
			error = CASE WHEN $4 <> '' THEN $4 ELSE error END,
			completed_at = COALESCE(completed_at, $5),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed', 'cancelled')`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, nullable(update.Phase), update.Error, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or it already reached a terminal status.
		if _, err := r.GetDeploymentByID(ctx, update.DeploymentID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// GetDeploymentByID retrieves a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, commit_hash, commit_message, branch, status, COALESCE(phase, ''), error, started_at, completed_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.CommitHash, &d.CommitMessage, &d.Branch,
		&d.Status, &d.Phase, &d.Error, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, project_id, commit_hash, commit_message, branch, status, COALESCE(phase, ''), error, started_at, completed_at, updated_at
		FROM deployments WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.CommitHash, &d.CommitMessage, &d.Branch,
			&d.Status, &d.Phase, &d.Error, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// AppendLog stores a deployment log line.
func (r *Repository) AppendLog(ctx context.Context, entry domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (deployment_id, phase, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, entry.DeploymentID, entry.Phase, entry.Level, entry.Message, entry.CreatedAt)
	return err
}

// ListLogsByDeployment returns log lines in insertion order.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, deployment_id, phase, level, message, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var e domain.DeploymentLog
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Phase, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
