package sync

import (
	"context"
	"log/slog"
	"time"
)

// Runner schedules pipeline runs at a fixed interval. One run always
// finishes before the next starts; a run that outlasts the interval just
// delays its successor.
type Runner struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner wraps the orchestrator with interval scheduling.
func NewRunner(orch *Orchestrator, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{orch: orch, interval: interval, logger: logger}
}

// RunOnce executes one full pipeline pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	runs, err := r.orch.RunAll(ctx)
	for _, run := range runs {
		r.logger.Info("job finished",
			"job", run.Type,
			"status", run.Status,
			"accounts_processed", run.AccountsProcessed,
			"accounts_failed", run.AccountsFailed,
			"duration", run.CompletedAt.Sub(run.StartedAt),
		)
	}
	return err
}

// Run executes the pipeline immediately and then on every interval tick
// until ctx is cancelled. Run errors are logged, not fatal; the next tick
// retries from whatever state the last run left behind.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("pipeline run failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
