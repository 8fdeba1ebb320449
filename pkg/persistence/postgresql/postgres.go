// Package postgresql provides the PostgreSQL persistence implementation for
// the orchestration engine.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	workflowRepo *WorkflowRepository
	execRepo     *ExecutionRepository
	taskRepo     *NodeTaskRepository
	queueRepo    *QueueRepository
	webhookRepo  *WebhookEventRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs pending
// schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		workflowRepo: NewWorkflowRepository(database, logger),
		execRepo:     NewExecutionRepository(database, logger),
		taskRepo:     NewNodeTaskRepository(database, logger),
		queueRepo:    NewQueueRepository(database, logger),
		webhookRepo:  NewWebhookEventRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Workflows.

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return p.workflowRepo.Save(ctx, workflow)
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	return p.workflowRepo.GetByID(ctx, id)
}

// Workflow executions.

func (p *Persistence) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return p.execRepo.Create(ctx, execution)
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return p.execRepo.GetByID(ctx, id)
}

func (p *Persistence) UpdateExecutionProgress(ctx context.Context, id string, progress int) error {
	return p.execRepo.UpdateProgress(ctx, id, progress)
}

func (p *Persistence) TransitionExecutionStatus(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string) (bool, error) {
	return p.execRepo.TransitionStatus(ctx, id, from, to, errorMessage)
}

func (p *Persistence) DeleteExecutionsOlderThan(ctx context.Context, status models.ExecutionStatus, cutoff time.Time) (int, error) {
	return p.execRepo.DeleteOlderThan(ctx, status, cutoff)
}

// Node tasks.

func (p *Persistence) CreateNodeTasks(ctx context.Context, tasks []*models.NodeTask) error {
	return p.taskRepo.CreateBatch(ctx, tasks)
}

func (p *Persistence) NodeTaskByID(ctx context.Context, id string) (*models.NodeTask, error) {
	return p.taskRepo.GetByID(ctx, id)
}

func (p *Persistence) NodeTasksByExecution(ctx context.Context, executionID string) ([]*models.NodeTask, error) {
	return p.taskRepo.GetByExecution(ctx, executionID)
}

func (p *Persistence) NodeTaskByExternalID(ctx context.Context, externalID string) (*models.NodeTask, error) {
	return p.taskRepo.GetByExternalID(ctx, externalID)
}

func (p *Persistence) MarkNodeTaskQueued(ctx context.Context, taskID string) (bool, error) {
	return p.taskRepo.MarkQueued(ctx, taskID)
}

func (p *Persistence) MarkNodeTaskProcessing(ctx context.Context, taskID string, externalTaskID *string) (bool, error) {
	return p.taskRepo.MarkProcessing(ctx, taskID, externalTaskID)
}

func (p *Persistence) FinalizeNodeTask(ctx context.Context, taskID string, to models.NodeTaskStatus, output map[string]any, errorMessage string) (bool, error) {
	return p.taskRepo.Finalize(ctx, taskID, to, output, errorMessage)
}

func (p *Persistence) MarkNodeTaskSkipped(ctx context.Context, taskID string) (bool, error) {
	return p.taskRepo.MarkSkipped(ctx, taskID)
}

func (p *Persistence) ProcessingExternalTasksOlderThan(ctx context.Context, age time.Duration) ([]*models.NodeTask, error) {
	return p.taskRepo.ProcessingExternalOlderThan(ctx, age)
}

// Job queue.

func (p *Persistence) EnqueueJob(ctx context.Context, job *models.QueueJob) (int64, error) {
	return p.queueRepo.Enqueue(ctx, job)
}

func (p *Persistence) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.QueueJob, error) {
	return p.queueRepo.Claim(ctx, workerID, lease)
}

func (p *Persistence) CompleteJob(ctx context.Context, jobID int64) error {
	return p.queueRepo.Complete(ctx, jobID)
}

func (p *Persistence) FailJob(ctx context.Context, jobID int64, reason string) (models.QueueJobStatus, error) {
	return p.queueRepo.Fail(ctx, jobID, reason)
}

func (p *Persistence) QueueStats(ctx context.Context) (map[models.QueueJobStatus]int, error) {
	return p.queueRepo.Stats(ctx)
}

func (p *Persistence) DeleteTerminalJobsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return p.queueRepo.DeleteTerminalOlderThan(ctx, cutoff)
}

// Webhook events.

func (p *Persistence) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return p.webhookRepo.Save(ctx, event)
}

func (p *Persistence) MarkWebhookEventProcessed(ctx context.Context, id string) error {
	return p.webhookRepo.MarkProcessed(ctx, id)
}

func (p *Persistence) RecentWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	return p.webhookRepo.Recent(ctx, limit)
}

func (p *Persistence) DeleteProcessedWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return p.webhookRepo.DeleteProcessedOlderThan(ctx, cutoff)
}
