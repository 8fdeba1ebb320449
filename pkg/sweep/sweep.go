// Package sweep recovers stuck external tasks and enforces retention windows.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/poller"
	"github.com/fabriq-ai/fabriq/pkg/protocol"
	"github.com/fabriq-ai/fabriq/pkg/reconciler"
)

// Config carries the sweep tunables.
type Config struct {
	// Grace is how long a processing external task may go without news
	// before the sweep re-polls it.
	Grace time.Duration
	// Ceiling is the hard bound: tasks processing longer than this are
	// force-completed so the execution can make progress. Availability is
	// preferred over blocking forever on a silent provider.
	Ceiling time.Duration
}

// Sweeper re-polls stuck tasks and force-settles the ones past the ceiling.
type Sweeper struct {
	config      Config
	persistence persistence.Persistence
	poller      *poller.Poller
	reconciler  *reconciler.Reconciler
	logger      *slog.Logger
}

func NewSweeper(config Config, p persistence.Persistence, pol *poller.Poller, rec *reconciler.Reconciler, logger *slog.Logger) *Sweeper {
	if config.Grace == 0 {
		config.Grace = 15 * time.Minute
	}

	if config.Ceiling == 0 {
		config.Ceiling = 2 * time.Hour
	}

	return &Sweeper{
		config:      config,
		persistence: p,
		poller:      pol,
		reconciler:  rec,
		logger:      logger.With("module", "sweep"),
	}
}

// Sweep runs one recovery pass. Stuck tasks past the grace window get one
// re-poll; tasks past the hard ceiling are force-completed with a note.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tasks, err := s.persistence.ProcessingExternalTasksOlderThan(ctx, s.config.Grace)
	if err != nil {
		return fmt.Errorf("failed to list stuck tasks: %w", err)
	}

	for _, task := range tasks {
		if task.StartedAt != nil && time.Since(*task.StartedAt) > s.config.Ceiling {
			// One last poll before forcing; a real provider answer beats a
			// synthetic one.
			err := s.poller.PollTask(ctx, task)
			if err != nil {
				s.logger.WarnContext(ctx, "Final re-poll failed",
					"task_id", task.ID, "error", err)
			}

			current, err := s.persistence.NodeTaskByID(ctx, task.ID)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to reload task",
					"task_id", task.ID, "error", err)

				continue
			}

			if current.Status.Terminal() {
				continue
			}

			err = s.forceComplete(ctx, task)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to force-complete task",
					"task_id", task.ID, "error", err)
			}

			continue
		}

		s.logger.WarnContext(ctx, "Stuck external task, re-polling",
			"task_id", task.ID, "external_task_id", task.ExternalTaskID)

		err := s.poller.PollTask(ctx, task)
		if err != nil {
			s.logger.ErrorContext(ctx, "Re-poll failed",
				"task_id", task.ID, "error", err)
		}
	}

	return nil
}

// forceComplete settles a task that outlived the ceiling. Routed through the
// reconciler so the usual CAS, events and graph advance apply.
func (s *Sweeper) forceComplete(ctx context.Context, task *models.NodeTask) error {
	if task.ExternalTaskID == nil {
		return fmt.Errorf("task %s has no external task id", task.ID)
	}

	s.logger.WarnContext(ctx, "Force-completing task past ceiling",
		"task_id", task.ID, "external_task_id", *task.ExternalTaskID,
		"ceiling", s.config.Ceiling)

	result := &protocol.ProviderResult{
		ExternalTaskID: *task.ExternalTaskID,
		Status:         protocol.OutcomeSuccess,
		Output: map[string]any{
			"forced": true,
			"note":   fmt.Sprintf("force-completed by recovery sweep after %s without a provider result", s.config.Ceiling),
		},
	}

	_, err := s.reconciler.Apply(ctx, result)

	return err
}
