package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// RetentionConfig sets per-status retention windows. Cancelled executions
// expire fastest, completed ones last longest.
type RetentionConfig struct {
	Cancelled time.Duration
	Failed    time.Duration
	Completed time.Duration
	// Jobs covers terminal queue jobs, Webhooks covers processed webhook
	// events; both are shorter-lived bookkeeping.
	Jobs     time.Duration
	Webhooks time.Duration
}

// Retention deletes terminal records past their windows. Node tasks go with
// their owning execution in task-first order.
type Retention struct {
	config      RetentionConfig
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewRetention(config RetentionConfig, p persistence.Persistence, logger *slog.Logger) *Retention {
	if config.Cancelled == 0 {
		config.Cancelled = 24 * time.Hour
	}

	if config.Failed == 0 {
		config.Failed = 72 * time.Hour
	}

	if config.Completed == 0 {
		config.Completed = 7 * 24 * time.Hour
	}

	if config.Jobs == 0 {
		config.Jobs = 24 * time.Hour
	}

	if config.Webhooks == 0 {
		config.Webhooks = 72 * time.Hour
	}

	return &Retention{
		config:      config,
		persistence: p,
		logger:      logger.With("module", "retention"),
	}
}

// Purge runs one retention pass. Deletion failures are logged and the pass
// continues: retention is best-effort and the next pass retries.
func (r *Retention) Purge(ctx context.Context) {
	now := time.Now().UTC()

	windows := []struct {
		status models.ExecutionStatus
		window time.Duration
	}{
		{models.ExecutionStatusCancelled, r.config.Cancelled},
		{models.ExecutionStatusFailed, r.config.Failed},
		{models.ExecutionStatusCompleted, r.config.Completed},
	}

	for _, w := range windows {
		deleted, err := r.persistence.DeleteExecutionsOlderThan(ctx, w.status, now.Add(-w.window))
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to purge executions",
				"status", w.status, "error", err)

			continue
		}

		if deleted > 0 {
			r.logger.InfoContext(ctx, "Purged executions",
				"status", w.status, "deleted", deleted)
		}
	}

	deleted, err := r.persistence.DeleteTerminalJobsOlderThan(ctx, now.Add(-r.config.Jobs))
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to purge queue jobs", "error", err)
	} else if deleted > 0 {
		r.logger.InfoContext(ctx, "Purged queue jobs", "deleted", deleted)
	}

	deleted, err = r.persistence.DeleteProcessedWebhookEventsOlderThan(ctx, now.Add(-r.config.Webhooks))
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to purge webhook events", "error", err)
	} else if deleted > 0 {
		r.logger.InfoContext(ctx, "Purged webhook events", "deleted", deleted)
	}
}
