package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lightfold/deployd/internal/domain"
)

// runMonitoring polls production health on a fixed interval for the configured
// window, accumulating a pass count and an error list. Reaching the rollback
// threshold aborts the phase immediately rather than waiting out the window.
func (o *Orchestrator) runMonitoring(ctx context.Context, project domain.Project, deploymentID string) (PhaseResult, error) {
	result := PhaseResult{Phase: domain.PhaseMonitoring}
	start := o.now()
	defer func() { result.Duration = o.now().Sub(start) }()

	interval := o.cfg.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	threshold := o.cfg.RollbackThreshold
	if threshold <= 0 {
		threshold = 5
	}

	endpoints := o.endpoints(project)
	deadline := o.now().Add(o.cfg.MonitorDuration)
	passed := 0
	total := 0
	var failures []string

	o.logf(ctx, deploymentID, domain.PhaseMonitoring, domain.LogLevelInfo,
		"monitoring %s for %s (interval %s, rollback threshold %d)",
		project.ProductionURL, o.cfg.MonitorDuration, interval, threshold)

	for {
		agg := o.health.PerformChecks(ctx, project.ProductionURL, endpoints)
		total++
		if agg.Healthy {
			passed++
		} else {
			detail := fmt.Sprintf("check %d: %d/%d endpoints healthy", total, agg.HealthyCount, agg.TotalCount)
			failures = append(failures, detail)
			o.logf(ctx, deploymentID, domain.PhaseMonitoring, domain.LogLevelWarn, "%s", detail)
			if len(failures) >= threshold {
				err := fmt.Errorf("too many errors detected (%d/%d)", len(failures), threshold)
				result.Error = err.Error()
				result.SuccessRate = rate(passed, total)
				return result, err
			}
		}

		if !o.now().Add(interval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			err := fmt.Errorf("monitoring cancelled: %w", ctx.Err())
			result.Error = err.Error()
			result.SuccessRate = rate(passed, total)
			return result, err
		case <-time.After(interval):
		}
	}

	result.SuccessRate = rate(passed, total)
	floor := o.cfg.MonitorSuccessRate
	if floor <= 0 {
		floor = 90
	}
	if result.SuccessRate < floor {
		err := fmt.Errorf("monitoring success rate %.1f%% below %.1f%%", result.SuccessRate, floor)
		result.Error = err.Error()
		return result, err
	}
	result.Success = true
	o.logf(ctx, deploymentID, domain.PhaseMonitoring, domain.LogLevelInfo,
		"monitoring passed: %.1f%% healthy over %d checks", result.SuccessRate, total)
	return result, nil
}

func rate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(passed) / float64(total)
}
