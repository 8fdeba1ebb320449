// Package execution derives workflow execution state from its node tasks:
// the aggregator recomputes progress and settles terminal status, the
// advancer walks the graph and queues newly-runnable nodes.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/events"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// nonTerminalStatuses are the statuses a terminal transition may win from.
var nonTerminalStatuses = []models.ExecutionStatus{
	models.ExecutionStatusPending,
	models.ExecutionStatusRunning,
}

// Aggregator recomputes execution progress and status from node task state.
// It is called after every task finalize; because progress updates are
// monotonic and the terminal transition is a compare-and-swap, concurrent
// recomputes for the same execution are safe.
type Aggregator struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
}

func NewAggregator(p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		persistence: p,
		eventBus:    eb,
		logger:      logger.With("module", "aggregator"),
	}
}

// Recompute reloads the execution's tasks, updates progress, and settles the
// execution's terminal status when all tasks are terminal or a fatal task
// failed. The terminal notification event is published exactly once, by the
// call that wins the status transition.
func (a *Aggregator) Recompute(ctx context.Context, executionID string) error {
	execution, err := a.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}

	workflow, err := a.persistence.WorkflowByID(ctx, execution.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	tasks, err := a.persistence.NodeTasksByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load node tasks: %w", err)
	}

	if len(tasks) == 0 {
		return nil
	}

	terminal := 0

	var fatal *models.NodeTask

	for _, task := range tasks {
		if task.Status.Terminal() {
			terminal++
		}

		if task.Status != models.NodeTaskStatusFailed || fatal != nil {
			continue
		}

		node, ok := workflow.NodeByID(task.NodeID)
		if !ok || !node.Optional {
			fatal = task
		}
	}

	progress := int(math.Round(100 * float64(terminal) / float64(len(tasks))))

	err = a.persistence.UpdateExecutionProgress(ctx, executionID, progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	switch {
	case fatal != nil:
		return a.settle(ctx, execution, models.ExecutionStatusFailed, fatal)
	case terminal == len(tasks):
		return a.settle(ctx, execution, models.ExecutionStatusCompleted, nil)
	default:
		return nil
	}
}

// EnsureRunning moves a pending execution to running. Losing the CAS is fine:
// another worker already did it, or the execution is terminal.
func (a *Aggregator) EnsureRunning(ctx context.Context, executionID string) error {
	_, err := a.persistence.TransitionExecutionStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusRunning, "")

	return err
}

func (a *Aggregator) settle(ctx context.Context, execution *models.WorkflowExecution, to models.ExecutionStatus, fatal *models.NodeTask) error {
	errorMessage := ""
	if fatal != nil {
		errorMessage = fatal.ErrorMessage
	}

	won, err := a.persistence.TransitionExecutionStatus(ctx, execution.ID, nonTerminalStatuses, to, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to transition execution status: %w", err)
	}

	if !won {
		return nil
	}

	a.logger.InfoContext(ctx, "Execution settled",
		"execution_id", execution.ID, "status", to)

	durationMs := time.Since(execution.StartedAt).Milliseconds()

	var event eventbus.Event

	if to == models.ExecutionStatusCompleted {
		event = events.ExecutionCompleted{
			BaseEvent:   events.NewBaseEvent(events.ExecutionCompletedEvent, execution.WorkflowID),
			ExecutionID: execution.ID,
			DurationMs:  durationMs,
			Progress:    100,
		}
	} else {
		failedNode := ""
		if fatal != nil {
			failedNode = fatal.NodeID
		}

		event = events.ExecutionFailed{
			BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, execution.WorkflowID),
			ExecutionID: execution.ID,
			Error:       errorMessage,
			FailedNode:  failedNode,
			DurationMs:  durationMs,
		}
	}

	err = a.eventBus.Publish(ctx, execution.ID, event)
	if err != nil {
		// The state transition already committed; the event is advisory.
		a.logger.ErrorContext(ctx, "Failed to publish terminal event",
			"execution_id", execution.ID, "error", err)
	}

	return nil
}
