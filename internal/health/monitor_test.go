package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightfold/deployd/pkg/logger"
)

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	return New(2*time.Second, logger.New("test", slog.LevelError))
}

func TestCheckEndpointHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := testMonitor(t).CheckEndpoint(context.Background(), srv.URL)
	if !result.Healthy {
		t.Fatalf("expected healthy, got %+v", result)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", result.Status)
	}
}

func TestCheckEndpointNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	result := testMonitor(t).CheckEndpoint(context.Background(), srv.URL)
	if result.Healthy {
		t.Fatal("5xx must not be healthy")
	}
	if result.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", result.Status)
	}
	if result.Error == "" {
		t.Fatal("expected error description for unhealthy status")
	}
}

func TestCheckEndpointConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	srv.Close()

	result := testMonitor(t).CheckEndpoint(context.Background(), srv.URL)
	if result.Healthy {
		t.Fatal("unreachable endpoint must not be healthy")
	}
	if result.Error == "" {
		t.Fatal("expected connection error to be recorded")
	}
}

func TestPerformChecksDefaultsToRoot(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg := testMonitor(t).PerformChecks(context.Background(), srv.URL, nil)
	if !agg.Healthy || agg.TotalCount != 1 {
		t.Fatalf("expected one healthy root check, got %+v", agg)
	}
	if got := path.Load(); got != "/" {
		t.Fatalf("expected root path, got %v", got)
	}
}

func TestPerformChecksRequiresAllHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg := testMonitor(t).PerformChecks(context.Background(), srv.URL, []string{"/", "/broken"})
	if agg.Healthy {
		t.Fatal("aggregate with one failing endpoint must not be healthy")
	}
	if agg.HealthyCount != 1 || agg.TotalCount != 2 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.Percentage != 50 {
		t.Fatalf("expected 50%%, got %.1f", agg.Percentage)
	}
}

func TestWaitForHealthyRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ok := testMonitor(t).WaitForHealthy(context.Background(), srv.URL, nil, 5, time.Millisecond)
	if !ok {
		t.Fatal("expected endpoint to become healthy within the attempt budget")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWaitForHealthyExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ok := testMonitor(t).WaitForHealthy(context.Background(), srv.URL, nil, 3, time.Millisecond)
	if ok {
		t.Fatal("expected exhaustion to report unhealthy")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestWatchTripsAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	result := testMonitor(t).Watch(context.Background(), srv.URL, nil, WatchOptions{
		Duration:                time.Minute,
		Interval:                time.Millisecond,
		ConsecutiveFailureLimit: 3,
		SuccessRate:             90,
	})
	if result.Success {
		t.Fatal("breaker trip must not report success")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("breaker should trip on exactly the third failure, got %d checks", got)
	}
	if result.Reason != "3 consecutive failed checks" {
		t.Fatalf("unexpected reason: %q", result.Reason)
	}
}

func TestWatchHealthyResetsConsecutiveCounter(t *testing.T) {
	// Fail, fail, pass, repeated: never three in a row.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1)%3 == 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	result := testMonitor(t).Watch(context.Background(), srv.URL, nil, WatchOptions{
		Duration:                40 * time.Millisecond,
		Interval:                5 * time.Millisecond,
		ConsecutiveFailureLimit: 3,
		SuccessRate:             99,
	})
	if result.Reason == "3 consecutive failed checks" {
		t.Fatal("interleaved passes must reset the consecutive counter")
	}
	if result.Success {
		t.Fatalf("one third pass rate should fail the 99%% floor, got %+v", result)
	}
}

func TestWatchSucceedsAboveSuccessRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := testMonitor(t).Watch(context.Background(), srv.URL, nil, WatchOptions{
		Duration:                20 * time.Millisecond,
		Interval:                5 * time.Millisecond,
		ConsecutiveFailureLimit: 3,
		SuccessRate:             90,
	})
	if !result.Success {
		t.Fatalf("all-healthy window should succeed: %+v", result)
	}
	if result.SuccessRate != 100 {
		t.Fatalf("expected 100%% success rate, got %.1f", result.SuccessRate)
	}
}

func TestWatchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := testMonitor(t).Watch(ctx, srv.URL, nil, WatchOptions{
		Duration: time.Minute,
		Interval: time.Millisecond,
	})
	if result.Success {
		t.Fatal("cancelled watch must not succeed")
	}
}

func TestJoinURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://x.test", "/health", "http://x.test/health"},
		{"http://x.test/", "/health", "http://x.test/health"},
		{"http://x.test/", "health", "http://x.test/health"},
		{"http://x.test", "", "http://x.test"},
	}
	for _, tc := range cases {
		if got := joinURL(tc.base, tc.path); got != tc.want {
			t.Fatalf("joinURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
}
