package domain

import (
	"encoding/json"
	"time"
)

// Project describes a deployable unit registered with the service. At most one
// active project exists per repository identifier.
type Project struct {
	ID            string
	Name          string
	Repository    string
	ProductionURL string
	StagingURL    string
	MainBranch    string
	DeployPath    string

	// Pipeline commands. Empty commands mean the corresponding step is skipped
	// where the pipeline tolerates absence (backup, smoke tests), or fails
	// validation where it does not (production deploy).
	StagingCommand    string
	ProductionCommand string
	BackupCommand     string
	RollbackCommand   string
	SmokeTestCommand  string
	PerfProbeCommand  string

	// ValidationChecks is an ordered JSON array of {name, command, optional}.
	ValidationChecks json.RawMessage
	// HealthEndpoints is a JSON array of endpoint paths probed after deploys.
	HealthEndpoints json.RawMessage

	// CommandTimeoutSeconds overrides the default shell timeout when positive.
	CommandTimeoutSeconds int

	CreatedAt time.Time
}

// CommandTimeout returns the project's shell timeout, or fallback when unset.
func (p Project) CommandTimeout(fallback time.Duration) time.Duration {
	if p.CommandTimeoutSeconds > 0 {
		return time.Duration(p.CommandTimeoutSeconds) * time.Second
	}
	return fallback
}
