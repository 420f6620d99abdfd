package launcher

import "encoding/json"

// Webhook event types the launcher understands. Unknown types are
// acknowledged and ignored.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventRelease     = "release"
)

// Response actions.
const (
	ActionDeploy       = "deploy"
	ActionIgnored      = "ignored"
	ActionAcknowledged = "acknowledged"
)

// Response is the JSON body returned for a processed webhook.
type Response struct {
	Status       int    `json:"-"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Action       string `json:"action"`
}

// pushPayload covers the fields the launcher reads from inbound events.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Action  string `json:"action"`
	Release struct {
		TagName         string `json:"tag_name"`
		TargetCommitish string `json:"target_commitish"`
	} `json:"release"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"pull_request"`
}

func parsePayload(body []byte) (pushPayload, error) {
	var payload pushPayload
	err := json.Unmarshal(body, &payload)
	return payload, err
}

func (p pushPayload) repoName() string {
	if p.Repository.FullName != "" {
		return p.Repository.FullName
	}
	return p.Repository.Name
}
