// Package persistence provides the data storage abstraction for the
// orchestration engine: workflows, executions, node tasks, the job queue and
// webhook events.
package persistence

import (
	"context"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
)

// Persistence is the single shared mutable state of the engine. Every
// mutation that guards a state machine transition is an atomic
// compare-and-swap keyed by id plus expected prior status, so concurrent
// workers are safe without a global lock. CAS methods return false when the
// expected prior state no longer holds; callers treat that as a benign
// duplicate, not an error.
type Persistence interface {
	// Workflows.
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)

	// Workflow executions. Executions own their node tasks: deletion
	// cascades in task-first order.
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	UpdateExecutionProgress(ctx context.Context, id string, progress int) error
	// TransitionExecutionStatus applies status (and error message) only if
	// the current status is one of from; completed_at is stamped when to is
	// terminal. Returns whether this call won the transition.
	TransitionExecutionStatus(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string) (bool, error)
	DeleteExecutionsOlderThan(ctx context.Context, status models.ExecutionStatus, cutoff time.Time) (int, error)

	// Node tasks.
	CreateNodeTasks(ctx context.Context, tasks []*models.NodeTask) error
	NodeTaskByID(ctx context.Context, id string) (*models.NodeTask, error)
	NodeTasksByExecution(ctx context.Context, executionID string) ([]*models.NodeTask, error)
	// NodeTaskByExternalID finds the unique task correlated with a
	// provider-assigned identifier, regardless of current status.
	NodeTaskByExternalID(ctx context.Context, externalID string) (*models.NodeTask, error)
	MarkNodeTaskQueued(ctx context.Context, taskID string) (bool, error)
	MarkNodeTaskProcessing(ctx context.Context, taskID string, externalTaskID *string) (bool, error)
	// FinalizeNodeTask moves a processing task to completed or failed
	// exactly once; duplicate applications return false.
	FinalizeNodeTask(ctx context.Context, taskID string, to models.NodeTaskStatus, output map[string]any, errorMessage string) (bool, error)
	MarkNodeTaskSkipped(ctx context.Context, taskID string) (bool, error)
	ProcessingExternalTasksOlderThan(ctx context.Context, age time.Duration) ([]*models.NodeTask, error)

	// Job queue.
	EnqueueJob(ctx context.Context, job *models.QueueJob) (int64, error)
	// ClaimJob atomically takes the highest-priority pending job (FIFO by id
	// on ties) or a processing job whose lease has expired, marks it
	// processing under workerID and increments attempts. Returns nil when
	// nothing is claimable.
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.QueueJob, error)
	CompleteJob(ctx context.Context, jobID int64) error
	// FailJob resets the job to pending while attempts remain, and marks it
	// terminally failed once attempts are exhausted. Returns the resulting
	// status.
	FailJob(ctx context.Context, jobID int64, reason string) (models.QueueJobStatus, error)
	QueueStats(ctx context.Context) (map[models.QueueJobStatus]int, error)
	DeleteTerminalJobsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Webhook events.
	SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, id string) error
	RecentWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error)
	DeleteProcessedWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
