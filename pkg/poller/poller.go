// Package poller periodically asks providers for the state of external tasks
// whose webhook has not arrived.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/reconciler"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

// Config carries the poller's tunables.
type Config struct {
	// Interval is the pause between scan passes.
	Interval time.Duration
	// MinAge keeps freshly-submitted tasks out of the scan so the webhook
	// gets a chance to arrive first.
	MinAge time.Duration
}

type Poller struct {
	config      Config
	persistence persistence.Persistence
	registry    *registry.Registry
	reconciler  *reconciler.Reconciler
	logger      *slog.Logger
}

func NewPoller(config Config, p persistence.Persistence, reg *registry.Registry, rec *reconciler.Reconciler, logger *slog.Logger) *Poller {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}

	if config.MinAge == 0 {
		config.MinAge = time.Minute
	}

	return &Poller{
		config:      config,
		persistence: p,
		registry:    reg,
		reconciler:  rec,
		logger:      logger.With("module", "poller"),
	}
}

// Run scans until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Poller started",
		"interval", p.config.Interval, "min_age", p.config.MinAge)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Poller stopping")

			return ctx.Err()
		case <-ticker.C:
			err := p.Scan(ctx)
			if err != nil {
				p.logger.ErrorContext(ctx, "Scan pass failed", "error", err)
			}
		}
	}
}

// Scan polls every processing external task older than MinAge once.
func (p *Poller) Scan(ctx context.Context) error {
	tasks, err := p.persistence.ProcessingExternalTasksOlderThan(ctx, p.config.MinAge)
	if err != nil {
		return fmt.Errorf("failed to list processing external tasks: %w", err)
	}

	for _, task := range tasks {
		err := p.PollTask(ctx, task)
		if err != nil {
			// One stuck provider must not stall the rest of the scan.
			p.logger.ErrorContext(ctx, "Failed to poll task",
				"task_id", task.ID, "external_task_id", task.ExternalTaskID, "error", err)
		}
	}

	return nil
}

// PollTask asks the provider for one task's state and routes the answer
// through the reconciler.
func (p *Poller) PollTask(ctx context.Context, task *models.NodeTask) error {
	if task.ExternalTaskID == nil {
		return fmt.Errorf("task %s has no external task id", task.ID)
	}

	execution, err := p.persistence.ExecutionByID(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}

	workflow, err := p.persistence.WorkflowByID(ctx, execution.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	node, ok := workflow.NodeByID(task.NodeID)
	if !ok {
		return fmt.Errorf("node %s missing from workflow %s", task.NodeID, workflow.ID)
	}

	adapter, err := p.registry.CreateProviderAdapter(node.Type, node.Config)
	if err != nil {
		return fmt.Errorf("failed to create adapter: %w", err)
	}

	result, err := adapter.Poll(ctx, *task.ExternalTaskID)
	if err != nil {
		return fmt.Errorf("provider poll failed: %w", err)
	}

	outcome, err := p.reconciler.Apply(ctx, result)
	if err != nil {
		return err
	}

	p.logger.DebugContext(ctx, "Polled external task",
		"task_id", task.ID, "outcome", outcome)

	return nil
}
