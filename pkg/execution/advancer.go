package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/events"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// Advancer walks an execution's graph after a task settles and queues every
// node whose upstream dependencies are now satisfied. Optional nodes with a
// failed or skipped dependency are skipped instead, and a skip settles the
// node, so skips cascade in the same pass.
type Advancer struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
}

func NewAdvancer(p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger) *Advancer {
	return &Advancer{
		persistence: p,
		eventBus:    eb,
		logger:      logger.With("module", "advancer"),
	}
}

// Advance queues every newly-runnable pending task of the execution. Dispatch
// is suppressed once the execution is terminal (cancelled, failed): tasks of
// a dead execution stay pending.
func (adv *Advancer) Advance(ctx context.Context, executionID string) error {
	execution, err := adv.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}

	if execution.Status.Terminal() {
		adv.logger.DebugContext(ctx, "Execution terminal, suppressing dispatch",
			"execution_id", executionID, "status", execution.Status)

		return nil
	}

	workflow, err := adv.persistence.WorkflowByID(ctx, execution.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	tasks, err := adv.persistence.NodeTasksByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load node tasks: %w", err)
	}

	byNode := make(map[string]*models.NodeTask, len(tasks))
	for _, task := range tasks {
		byNode[task.NodeID] = task
	}

	// Skips settle nodes, which can settle further optional nodes; iterate
	// to the fixpoint before queueing.
	for {
		skippedAny := false

		for _, task := range tasks {
			if task.Status != models.NodeTaskStatusPending {
				continue
			}

			node, ok := workflow.NodeByID(task.NodeID)
			if !ok {
				continue
			}

			if !node.Optional || !adv.depsSettled(workflow, byNode, node) || !adv.hasBypassedDep(byNode, node) {
				continue
			}

			ok, err := adv.persistence.MarkNodeTaskSkipped(ctx, task.ID)
			if err != nil {
				return fmt.Errorf("failed to skip task %s: %w", task.ID, err)
			}

			if ok {
				task.Status = models.NodeTaskStatusSkipped
				skippedAny = true

				adv.publishSkipped(ctx, execution, task)
			}
		}

		if !skippedAny {
			break
		}
	}

	for _, task := range tasks {
		if task.Status != models.NodeTaskStatusPending {
			continue
		}

		node, ok := workflow.NodeByID(task.NodeID)
		if !ok || !adv.depsSettled(workflow, byNode, node) {
			continue
		}

		err := adv.queueTask(ctx, task)
		if err != nil {
			return err
		}
	}

	return nil
}

// depsSettled reports whether every upstream dependency reached a state the
// downstream node can proceed from: completed, skipped, or failed on an
// optional node (downstream sees a null placeholder for those).
func (adv *Advancer) depsSettled(workflow *models.Workflow, byNode map[string]*models.NodeTask, node *models.WorkflowNode) bool {
	for _, depID := range node.DependsOn {
		depTask, ok := byNode[depID]
		if !ok {
			return false
		}

		switch depTask.Status {
		case models.NodeTaskStatusCompleted, models.NodeTaskStatusSkipped:
		case models.NodeTaskStatusFailed:
			depNode, ok := workflow.NodeByID(depID)
			if !ok || !depNode.Optional {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// hasBypassedDep reports whether any dependency failed or was skipped.
func (adv *Advancer) hasBypassedDep(byNode map[string]*models.NodeTask, node *models.WorkflowNode) bool {
	for _, depID := range node.DependsOn {
		depTask, ok := byNode[depID]
		if !ok {
			continue
		}

		if depTask.Status == models.NodeTaskStatusFailed || depTask.Status == models.NodeTaskStatusSkipped {
			return true
		}
	}

	return false
}

func (adv *Advancer) queueTask(ctx context.Context, task *models.NodeTask) error {
	won, err := adv.persistence.MarkNodeTaskQueued(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s queued: %w", task.ID, err)
	}

	if !won {
		// Another advancer pass got here first.
		return nil
	}

	task.Status = models.NodeTaskStatusQueued

	payload, err := json.Marshal(models.NodeExecutePayload{
		ExecutionID: task.ExecutionID,
		NodeTaskID:  task.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	_, err = adv.persistence.EnqueueJob(ctx, &models.QueueJob{
		TaskType:    models.TaskTypeNodeExecute,
		Payload:     payload,
		MaxAttempts: models.DefaultMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job for task %s: %w", task.ID, err)
	}

	adv.logger.DebugContext(ctx, "Queued node task",
		"execution_id", task.ExecutionID, "node_id", task.NodeID, "task_id", task.ID)

	return nil
}

func (adv *Advancer) publishSkipped(ctx context.Context, execution *models.WorkflowExecution, task *models.NodeTask) {
	event := events.NodeTaskSkipped{
		BaseEvent:   events.NewBaseEvent(events.NodeTaskSkippedEvent, execution.WorkflowID),
		ExecutionID: execution.ID,
		TaskID:      task.ID,
		NodeID:      task.NodeID,
	}

	err := adv.eventBus.Publish(ctx, execution.ID, event)
	if err != nil {
		adv.logger.ErrorContext(ctx, "Failed to publish skip event",
			"task_id", task.ID, "error", err)
	}
}
