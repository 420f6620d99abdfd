package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var mu sync.Mutex
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, nil)
	n.Notify(context.Background(), Event{
		Type:         EventFailed,
		Project:      "shop",
		DeploymentID: "dep-1",
		Message:      "deployment failed",
	})

	mu.Lock()
	defer mu.Unlock()
	if got.Type != EventFailed || got.Project != "shop" {
		t.Fatalf("unexpected delivered event: %+v", got)
	}
}

func TestWebhookNotifierSwallowsDeliveryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	srv.Close()

	n := NewWebhookNotifier(srv.URL, 100*time.Millisecond, nil)
	// Must not panic or block; failures are logged and dropped.
	n.Notify(context.Background(), Event{Type: EventSuccess, Project: "shop"})
}

func TestWebhookNotifierEmptyURLIsNoop(t *testing.T) {
	n := WebhookNotifier{}
	n.Notify(context.Background(), Event{Type: EventStarted})
}

type countingNotifier struct{ calls int }

func (c *countingNotifier) Notify(_ context.Context, _ Event) { c.calls++ }

func TestMultiFansOutAndSkipsNil(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{}
	m := Multi{a, nil, b}

	m.Notify(context.Background(), Event{Type: EventWarning})
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected each channel called once, got %d and %d", a.calls, b.calls)
	}
}
