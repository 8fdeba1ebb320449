// Package reconciler applies provider results (webhook callbacks or poll
// responses) to node tasks, with CAS guards so duplicate and late signals
// are benign.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/events"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/protocol"
	"github.com/fabriq-ai/fabriq/pkg/ratelimit"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

// Outcome describes what applying a provider result did.
type Outcome string

const (
	// OutcomeFinalized means this result won the task's terminal transition.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeDuplicate means the task was already terminal; the result was
	// dropped as a benign no-op.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStillPending means the provider has not settled the task yet.
	OutcomeStillPending Outcome = "still_pending"
	// OutcomeSuppressed means the owning execution was cancelled; the result
	// is deliberately not applied and the task is left as-is.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeUnmatched means no task is correlated with the external id.
	OutcomeUnmatched Outcome = "unmatched"
)

// ErrUnmatched is returned when a provider result references an external
// task id no node task is correlated with.
var ErrUnmatched = errors.New("no node task matches external task id")

type Reconciler struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	aggregator  *execution.Aggregator
	advancer    *execution.Advancer
	eventBus    eventbus.EventBus
	limiter     ratelimit.Limiter
	logger      *slog.Logger
}

func NewReconciler(
	p persistence.Persistence,
	reg *registry.Registry,
	aggregator *execution.Aggregator,
	advancer *execution.Advancer,
	eb eventbus.EventBus,
	limiter ratelimit.Limiter,
	logger *slog.Logger,
) *Reconciler {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	return &Reconciler{
		persistence: p,
		registry:    reg,
		aggregator:  aggregator,
		advancer:    advancer,
		eventBus:    eb,
		limiter:     limiter,
		logger:      logger.With("module", "reconciler"),
	}
}

// Apply settles the node task correlated with result.ExternalTaskID. The
// finalize is a compare-and-swap keyed by (external id, status=processing):
// exactly one of N concurrent identical results wins, the rest observe
// OutcomeDuplicate.
func (r *Reconciler) Apply(ctx context.Context, result *protocol.ProviderResult) (Outcome, error) {
	task, err := r.persistence.NodeTaskByExternalID(ctx, result.ExternalTaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNodeTaskNotFound) {
			return OutcomeUnmatched, ErrUnmatched
		}

		return "", fmt.Errorf("failed to look up task by external id: %w", err)
	}

	exec, err := r.persistence.ExecutionByID(ctx, task.ExecutionID)
	if err != nil {
		return "", fmt.Errorf("failed to load execution %s: %w", task.ExecutionID, err)
	}

	if exec.Status == models.ExecutionStatusCancelled {
		if result.Settled() {
			// The provider-side task is done, so its inflight slot is freed
			// even though the result is not applied.
			r.releaseSlot(ctx, task.NodeType)
		}

		r.logger.InfoContext(ctx, "Suppressed provider result for cancelled execution",
			"task_id", task.ID, "execution_id", task.ExecutionID,
			"external_task_id", result.ExternalTaskID)

		return OutcomeSuppressed, nil
	}

	if !result.Settled() {
		return OutcomeStillPending, nil
	}

	to := models.NodeTaskStatusCompleted
	errorMessage := ""

	if result.Status == protocol.OutcomeFailure {
		to = models.NodeTaskStatusFailed
		errorMessage = result.ErrorMessage

		if errorMessage == "" {
			errorMessage = "provider reported failure"
		}
	}

	won, err := r.persistence.FinalizeNodeTask(ctx, task.ID, to, result.Output, errorMessage)
	if err != nil {
		return "", fmt.Errorf("failed to finalize task %s: %w", task.ID, err)
	}

	if !won {
		r.logger.DebugContext(ctx, "Duplicate provider result dropped",
			"task_id", task.ID, "external_task_id", result.ExternalTaskID)

		return OutcomeDuplicate, nil
	}

	r.releaseSlot(ctx, task.NodeType)
	r.publishTerminal(ctx, task, to, result, errorMessage)

	r.logger.InfoContext(ctx, "Reconciled external task",
		"task_id", task.ID, "external_task_id", result.ExternalTaskID, "status", to)

	err = r.aggregator.Recompute(ctx, task.ExecutionID)
	if err != nil {
		return OutcomeFinalized, fmt.Errorf("failed to recompute execution: %w", err)
	}

	err = r.advancer.Advance(ctx, task.ExecutionID)
	if err != nil {
		return OutcomeFinalized, fmt.Errorf("failed to advance execution: %w", err)
	}

	return OutcomeFinalized, nil
}

func (r *Reconciler) releaseSlot(ctx context.Context, nodeType string) {
	factory, ok := r.registry.AdapterFactory(nodeType)
	if !ok {
		return
	}

	err := r.limiter.Release(ctx, factory.Source())
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to release inflight slot",
			"source", factory.Source(), "error", err)
	}
}

func (r *Reconciler) publishTerminal(ctx context.Context, task *models.NodeTask, to models.NodeTaskStatus, result *protocol.ProviderResult, errorMessage string) {
	var event eventbus.Event

	if to == models.NodeTaskStatusCompleted {
		event = events.NodeTaskCompleted{
			BaseEvent:   events.NewBaseEvent(events.NodeTaskCompletedEvent, ""),
			ExecutionID: task.ExecutionID,
			TaskID:      task.ID,
			NodeID:      task.NodeID,
			NodeType:    task.NodeType,
			OutputData:  result.Output,
		}
	} else {
		event = events.NodeTaskFailed{
			BaseEvent:   events.NewBaseEvent(events.NodeTaskFailedEvent, ""),
			ExecutionID: task.ExecutionID,
			TaskID:      task.ID,
			NodeID:      task.NodeID,
			NodeType:    task.NodeType,
			Error:       errorMessage,
		}
	}

	err := r.eventBus.Publish(ctx, task.ExecutionID, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish task event",
			"task_id", task.ID, "error", err)
	}
}
