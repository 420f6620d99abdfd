// Package notify delivers deployment lifecycle events to external channels.
// A nil or unconfigured notifier is a no-op, never an error.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event types emitted by the launcher and orchestrator.
const (
	EventStarted = "started"
	EventSuccess = "success"
	EventFailed  = "failed"
	EventWarning = "warning"
)

// Event is one deployment lifecycle notification.
type Event struct {
	Type         string    `json:"type"`
	Project      string    `json:"project"`
	DeploymentID string    `json:"deployment_id"`
	CommitHash   string    `json:"commit_hash,omitempty"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier delivers events. Delivery failures must not affect deployments.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the service log.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the event.
func (n LogNotifier) Notify(_ context.Context, event Event) {
	if n.Logger == nil {
		return
	}
	level := slog.LevelInfo
	switch event.Type {
	case EventFailed:
		level = slog.LevelError
	case EventWarning:
		level = slog.LevelWarn
	}
	n.Logger.Log(context.Background(), level, "deployment event",
		"type", event.Type,
		"project", event.Project,
		"deployment_id", event.DeploymentID,
		"message", event.Message)
}

// WebhookNotifier posts events as JSON to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// NewWebhookNotifier constructs a webhook channel with a bounded timeout.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Logger: logger,
	}
}

// Notify posts the event. Errors are logged and swallowed.
func (n WebhookNotifier) Notify(ctx context.Context, event Event) {
	if n.URL == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		n.warn(fmt.Sprintf("notification delivery failed: %v", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.warn(fmt.Sprintf("notification endpoint returned %s", resp.Status))
	}
}

func (n WebhookNotifier) warn(msg string) {
	if n.Logger != nil {
		n.Logger.Warn(msg, "url", n.URL)
	}
}

// Multi fans an event out to several channels.
type Multi []Notifier

// Notify delivers to every channel.
func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}
