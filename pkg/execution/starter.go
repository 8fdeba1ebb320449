package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/events"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// Starter creates executions and drives their lifecycle edges that do not
// originate from workers: start and cancel.
type Starter struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	advancer    *Advancer
	logger      *slog.Logger
}

func NewStarter(p persistence.Persistence, eb eventbus.EventBus, advancer *Advancer, logger *slog.Logger) *Starter {
	return &Starter{
		persistence: p,
		eventBus:    eb,
		advancer:    advancer,
		logger:      logger.With("module", "starter"),
	}
}

// Start validates the workflow graph, creates the execution with one pending
// node task per workflow node, and queues the root nodes.
func (s *Starter) Start(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error) {
	workflow, err := s.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	err = workflow.Validate()
	if err != nil {
		return nil, fmt.Errorf("workflow graph is invalid: %w", err)
	}

	now := time.Now().UTC()

	execution := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.ExecutionStatusPending,
		Input:      input,
		StartedAt:  now,
	}

	err = s.persistence.CreateExecution(ctx, execution)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	tasks := make([]*models.NodeTask, 0, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		tasks = append(tasks, &models.NodeTask{
			ID:          uuid.New().String(),
			ExecutionID: execution.ID,
			NodeID:      node.ID,
			NodeType:    node.Type,
			Status:      models.NodeTaskStatusPending,
			CreatedAt:   now,
		})
	}

	err = s.persistence.CreateNodeTasks(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to create node tasks: %w", err)
	}

	event := events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, workflowID),
		ExecutionID: execution.ID,
		Input:       input,
	}

	err = s.eventBus.Publish(ctx, execution.ID, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish started event",
			"execution_id", execution.ID, "error", err)
	}

	err = s.advancer.Advance(ctx, execution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to queue root nodes: %w", err)
	}

	s.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID, "workflow_id", workflowID, "nodes", len(tasks))

	return execution, nil
}

// Cancel moves a non-terminal execution to cancelled. Workers observe the
// terminal status and drop in-flight work for it; provider-side tasks are
// left to finish and their late results are ignored.
func (s *Starter) Cancel(ctx context.Context, executionID, reason, cancelledBy string) (bool, error) {
	execution, err := s.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		return false, err
	}

	won, err := s.persistence.TransitionExecutionStatus(ctx, executionID,
		nonTerminalStatuses, models.ExecutionStatusCancelled, reason)
	if err != nil {
		return false, fmt.Errorf("failed to cancel execution: %w", err)
	}

	if !won {
		return false, nil
	}

	event := events.ExecutionCancelled{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent, execution.WorkflowID),
		ExecutionID: executionID,
		Reason:      reason,
		CancelledBy: cancelledBy,
	}

	err = s.eventBus.Publish(ctx, executionID, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish cancelled event",
			"execution_id", executionID, "error", err)
	}

	s.logger.InfoContext(ctx, "Execution cancelled",
		"execution_id", executionID, "reason", reason)

	return true, nil
}
