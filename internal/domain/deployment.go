package domain

import "time"

// Deployment statuses. Terminal statuses are written exactly once.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Pipeline phases in execution order.
const (
	PhaseValidation = "validation"
	PhaseStaging    = "staging"
	PhaseProduction = "production"
	PhaseMonitoring = "monitoring"
)

// Deployment captures one orchestration run for a specific commit.
type Deployment struct {
	ID            string
	ProjectID     string
	CommitHash    string
	CommitMessage string
	Branch        string
	Status        string
	Phase         string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Phase        string
	Error        string
	CompletedAt  *time.Time
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
