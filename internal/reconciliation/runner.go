package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Runner executes every reconciliation check and records the outcome.
type Runner struct {
	svc    *Service
	logger *slog.Logger
}

// NewRunner creates a runner over the given service.
func NewRunner(svc *Service, logger *slog.Logger) *Runner {
	return &Runner{svc: svc, logger: logger}
}

// Report is the outcome of one full reconciliation pass.
type Report struct {
	StartedAt  time.Time       `json:"startedAt"`
	DurationMS int64           `json:"durationMs"`
	Healthy    bool            `json:"healthy"`
	Drift      *DriftResult    `json:"drift,omitempty"`
	Negative   *NegativeResult `json:"negativeBalances,omitempty"`
}

// RunAll runs every check. A failing check marks the report unhealthy but
// does not stop the remaining checks; query errors are joined and returned
// alongside whatever completed.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start.UTC(), Healthy: true}
	var errs []error

	if drift, err := r.svc.CheckDrift(ctx); err != nil {
		reconcileErrors.Inc()
		errs = append(errs, err)
	} else {
		report.Drift = drift
		reconcileDriftedGroups.Set(float64(len(drift.Mismatches)))
		if !drift.Match {
			report.Healthy = false
			r.logger.Warn("ledger drift detected",
				"groups_checked", drift.GroupsChecked,
				"mismatches", len(drift.Mismatches))
		}
	}

	if negative, err := r.svc.CheckNegativeBalances(ctx); err != nil {
		reconcileErrors.Inc()
		errs = append(errs, err)
	} else {
		report.Negative = negative
		reconcileNegativeBalances.Set(float64(len(negative.Groups)))
		if !negative.Match {
			report.Healthy = false
			r.logger.Warn("negative balances detected", "groups", len(negative.Groups))
		}
	}

	elapsed := time.Since(start)
	report.DurationMS = elapsed.Milliseconds()
	reconcileDuration.Observe(elapsed.Seconds())

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}

	r.logger.Info("reconciliation run completed",
		"healthy", report.Healthy,
		"duration_ms", report.DurationMS)
	return report, nil
}
