// Package health probes HTTP endpoints and watches deployed services for
// regressions. Unhealthy results are data, not errors: callers decide what is
// fatal.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Monitor issues bounded-timeout checks against HTTP health endpoints.
type Monitor struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// CheckResult is the outcome of probing a single endpoint.
type CheckResult struct {
	Endpoint     string        `json:"endpoint"`
	Healthy      bool          `json:"healthy"`
	Status       int           `json:"status,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// Aggregate summarizes one pass over an endpoint list. Healthy requires every
// endpoint to pass.
type Aggregate struct {
	Healthy      bool          `json:"healthy"`
	HealthyCount int           `json:"healthy_count"`
	TotalCount   int           `json:"total_count"`
	Percentage   float64       `json:"percentage"`
	Results      []CheckResult `json:"results"`
}

// WatchOptions shapes a continuous monitoring window.
type WatchOptions struct {
	Duration time.Duration
	Interval time.Duration
	// ConsecutiveFailureLimit trips the circuit breaker; a healthy check
	// resets the counter.
	ConsecutiveFailureLimit int
	// SuccessRate is the minimum overall pass percentage required when the
	// window elapses without tripping the breaker.
	SuccessRate float64
}

// WatchResult reports the outcome of a monitoring window.
type WatchResult struct {
	Success     bool        `json:"success"`
	SuccessRate float64     `json:"success_rate"`
	Checks      []Aggregate `json:"checks"`
	Reason      string      `json:"reason,omitempty"`
}

// New constructs a Monitor. timeout bounds each individual probe.
func New(timeout time.Duration, logger *slog.Logger) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "health"),
		timeout: timeout,
	}
}

// CheckEndpoint issues one bounded-timeout request. Any non-2xx status,
// timeout, or network error yields Healthy=false.
func (m *Monitor) CheckEndpoint(ctx context.Context, url string) CheckResult {
	result := CheckResult{Endpoint: url}
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result
	}
	result.Healthy = true
	return result
}

// PerformChecks runs CheckEndpoint over the endpoint list against baseURL.
func (m *Monitor) PerformChecks(ctx context.Context, baseURL string, endpoints []string) Aggregate {
	if len(endpoints) == 0 {
		endpoints = []string{"/"}
	}
	agg := Aggregate{TotalCount: len(endpoints), Results: make([]CheckResult, 0, len(endpoints))}
	for _, endpoint := range endpoints {
		result := m.CheckEndpoint(ctx, joinURL(baseURL, endpoint))
		if result.Healthy {
			agg.HealthyCount++
		}
		agg.Results = append(agg.Results, result)
	}
	agg.Percentage = 100 * float64(agg.HealthyCount) / float64(agg.TotalCount)
	agg.Healthy = agg.HealthyCount == agg.TotalCount
	return agg
}

// errStillUnhealthy drives the retry loop in WaitForHealthy.
var errStillUnhealthy = fmt.Errorf("endpoints not healthy yet")

// WaitForHealthy polls PerformChecks with a fixed delay between attempts. It
// returns false once attempts are exhausted or the context is cancelled.
func (m *Monitor) WaitForHealthy(ctx context.Context, baseURL string, endpoints []string, maxAttempts int, interval time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(interval))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		agg := m.PerformChecks(ctx, baseURL, endpoints)
		if agg.Healthy {
			return nil
		}
		m.logger.Debug("health attempt failed",
			"attempt", attempt, "max_attempts", maxAttempts,
			"healthy", agg.HealthyCount, "total", agg.TotalCount)
		return retry.RetryableError(errStillUnhealthy)
	})
	return err == nil
}

// Watch runs checks for a wall-clock duration, tracking a consecutive-failure
// counter that resets on any healthy pass. Reaching the limit aborts
// immediately with Success=false; otherwise success requires the overall pass
// rate to meet opts.SuccessRate.
func (m *Monitor) Watch(ctx context.Context, baseURL string, endpoints []string, opts WatchOptions) WatchResult {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.ConsecutiveFailureLimit <= 0 {
		opts.ConsecutiveFailureLimit = 3
	}
	if opts.SuccessRate <= 0 {
		opts.SuccessRate = 90
	}

	result := WatchResult{}
	deadline := time.Now().Add(opts.Duration)
	consecutive := 0
	passed := 0

	for {
		agg := m.PerformChecks(ctx, baseURL, endpoints)
		result.Checks = append(result.Checks, agg)
		if agg.Healthy {
			passed++
			consecutive = 0
		} else {
			consecutive++
			m.logger.Warn("monitoring check failed",
				"consecutive", consecutive, "limit", opts.ConsecutiveFailureLimit)
			if consecutive >= opts.ConsecutiveFailureLimit {
				result.Reason = fmt.Sprintf("%d consecutive failed checks", consecutive)
				result.SuccessRate = rate(passed, len(result.Checks))
				return result
			}
		}
		if ctx.Err() != nil || !time.Now().Add(opts.Interval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			result.Reason = "monitoring cancelled"
			result.SuccessRate = rate(passed, len(result.Checks))
			return result
		case <-time.After(opts.Interval):
		}
	}

	result.SuccessRate = rate(passed, len(result.Checks))
	if result.SuccessRate >= opts.SuccessRate {
		result.Success = true
	} else {
		result.Reason = fmt.Sprintf("success rate %.1f%% below %.1f%%", result.SuccessRate, opts.SuccessRate)
	}
	return result
}

func rate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(passed) / float64(total)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
