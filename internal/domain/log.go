package domain

import "time"

// Log levels for deployment log entries.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DeploymentLog is an append-only log line tied to one deployment.
type DeploymentLog struct {
	ID           int64
	DeploymentID string
	Phase        string
	Level        string
	Message      string
	CreatedAt    time.Time
}
