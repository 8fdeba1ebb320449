// Package memory provides an in-memory persistence implementation. It backs
// unit tests and single-process development; production deployments use the
// postgresql implementation. All state machine guards match the SQL
// implementation's conditional-update semantics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// Persistence is a mutex-guarded in-memory store.
type Persistence struct {
	mu sync.Mutex

	workflows  map[string]*models.Workflow
	executions map[string]*models.WorkflowExecution
	tasks      map[string]*models.NodeTask
	jobs       map[int64]*models.QueueJob
	events     map[string]*models.WebhookEvent

	nextJobID int64
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		tasks:      make(map[string]*models.NodeTask),
		jobs:       make(map[int64]*models.QueueJob),
		events:     make(map[string]*models.WebhookEvent),
	}
}

func (p *Persistence) Close(ctx context.Context) error { return nil }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

// Workflows.

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *workflow
	p.workflows[workflow.ID] = &copied

	return nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workflow, ok := p.workflows[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	copied := *workflow

	return &copied, nil
}

// Workflow executions.

func (p *Persistence) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *execution
	p.executions[execution.ID] = &copied

	return nil
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	copied := *execution

	return &copied, nil
}

func (p *Persistence) UpdateExecutionProgress(ctx context.Context, id string, progress int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[id]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	// Progress never decreases, matching GREATEST() in the SQL implementation.
	if progress > execution.Progress {
		execution.Progress = progress
	}

	return nil
}

func (p *Persistence) TransitionExecutionStatus(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[id]
	if !ok {
		return false, nil
	}

	matched := false

	for _, s := range from {
		if execution.Status == s {
			matched = true

			break
		}
	}

	if !matched {
		return false, nil
	}

	execution.Status = to
	if errorMessage != "" {
		execution.Error = errorMessage
	}

	if to.Terminal() && execution.CompletedAt == nil {
		now := time.Now().UTC()
		execution.CompletedAt = &now
	}

	return true, nil
}

func (p *Persistence) DeleteExecutionsOlderThan(ctx context.Context, status models.ExecutionStatus, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0

	for id, execution := range p.executions {
		if execution.Status != status || execution.CompletedAt == nil || !execution.CompletedAt.Before(cutoff) {
			continue
		}

		// Owned collection: tasks go first, then the execution.
		for taskID, task := range p.tasks {
			if task.ExecutionID == id {
				delete(p.tasks, taskID)
			}
		}

		delete(p.executions, id)

		deleted++
	}

	return deleted, nil
}

// Node tasks.

func (p *Persistence) CreateNodeTasks(ctx context.Context, tasks []*models.NodeTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, task := range tasks {
		copied := *task
		p.tasks[task.ID] = &copied
	}

	return nil
}

func (p *Persistence) NodeTaskByID(ctx context.Context, id string) (*models.NodeTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return nil, persistence.ErrNodeTaskNotFound
	}

	copied := *task

	return &copied, nil
}

func (p *Persistence) NodeTasksByExecution(ctx context.Context, executionID string) ([]*models.NodeTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tasks []*models.NodeTask

	for _, task := range p.tasks {
		if task.ExecutionID == executionID {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

func (p *Persistence) NodeTaskByExternalID(ctx context.Context, externalID string) (*models.NodeTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, task := range p.tasks {
		if task.ExternalTaskID != nil && *task.ExternalTaskID == externalID {
			copied := *task

			return &copied, nil
		}
	}

	return nil, persistence.ErrNodeTaskNotFound
}

func (p *Persistence) MarkNodeTaskQueued(ctx context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok || task.Status != models.NodeTaskStatusPending {
		return false, nil
	}

	task.Status = models.NodeTaskStatusQueued

	return true, nil
}

func (p *Persistence) MarkNodeTaskProcessing(ctx context.Context, taskID string, externalTaskID *string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok || task.Status != models.NodeTaskStatusQueued {
		return false, nil
	}

	task.Status = models.NodeTaskStatusProcessing
	task.ExternalTaskID = externalTaskID
	task.Attempts++

	if task.StartedAt == nil {
		now := time.Now().UTC()
		task.StartedAt = &now
	}

	return true, nil
}

func (p *Persistence) FinalizeNodeTask(ctx context.Context, taskID string, to models.NodeTaskStatus, output map[string]any, errorMessage string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok || task.Status != models.NodeTaskStatusProcessing {
		return false, nil
	}

	task.Status = to
	task.OutputData = output

	if errorMessage != "" {
		task.ErrorMessage = errorMessage
	}

	now := time.Now().UTC()
	task.CompletedAt = &now

	return true, nil
}

func (p *Persistence) MarkNodeTaskSkipped(ctx context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok || task.Status != models.NodeTaskStatusPending {
		return false, nil
	}

	task.Status = models.NodeTaskStatusSkipped

	now := time.Now().UTC()
	task.CompletedAt = &now

	return true, nil
}

func (p *Persistence) ProcessingExternalTasksOlderThan(ctx context.Context, age time.Duration) ([]*models.NodeTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := time.Now().UTC().Add(-age)

	var tasks []*models.NodeTask

	for _, task := range p.tasks {
		if task.Status != models.NodeTaskStatusProcessing || task.ExternalTaskID == nil {
			continue
		}

		if task.StartedAt != nil && task.StartedAt.Before(threshold) {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].StartedAt.Before(*tasks[j].StartedAt) })

	return tasks, nil
}

// Job queue.

func (p *Persistence) EnqueueJob(ctx context.Context, job *models.QueueJob) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextJobID++

	copied := *job
	copied.ID = p.nextJobID
	copied.Status = models.QueueJobStatusPending
	copied.CreatedAt = time.Now().UTC()

	if copied.MaxAttempts <= 0 {
		copied.MaxAttempts = models.DefaultMaxAttempts
	}

	p.jobs[copied.ID] = &copied

	return copied.ID, nil
}

func (p *Persistence) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.QueueJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	var candidate *models.QueueJob

	for _, job := range p.jobs {
		claimable := job.Status == models.QueueJobStatusPending ||
			(job.Status == models.QueueJobStatusProcessing && job.LockedAt != nil && job.LockedAt.Add(lease).Before(now))
		if !claimable {
			continue
		}

		// Highest priority wins; lower id breaks ties (FIFO).
		if candidate == nil || job.Priority > candidate.Priority ||
			(job.Priority == candidate.Priority && job.ID < candidate.ID) {
			candidate = job
		}
	}

	if candidate == nil {
		return nil, nil
	}

	candidate.Status = models.QueueJobStatusProcessing
	candidate.LockedBy = &workerID
	candidate.LockedAt = &now
	candidate.Attempts++

	copied := *candidate

	return &copied, nil
}

func (p *Persistence) CompleteJob(ctx context.Context, jobID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok || job.Status != models.QueueJobStatusProcessing {
		return persistence.ErrQueueJobNotFound
	}

	job.Status = models.QueueJobStatusCompleted
	job.LockedBy = nil
	job.LockedAt = nil

	return nil
}

func (p *Persistence) FailJob(ctx context.Context, jobID int64, reason string) (models.QueueJobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok || job.Status != models.QueueJobStatusProcessing {
		return "", persistence.ErrQueueJobNotFound
	}

	job.LastError = &reason
	job.LockedBy = nil
	job.LockedAt = nil

	if job.Attempts >= job.MaxAttempts {
		job.Status = models.QueueJobStatusFailed
	} else {
		job.Status = models.QueueJobStatusPending
	}

	return job.Status, nil
}

func (p *Persistence) QueueStats(ctx context.Context) (map[models.QueueJobStatus]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[models.QueueJobStatus]int)

	for _, job := range p.jobs {
		stats[job.Status]++
	}

	return stats, nil
}

func (p *Persistence) DeleteTerminalJobsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0

	for id, job := range p.jobs {
		if job.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(p.jobs, id)

			deleted++
		}
	}

	return deleted, nil
}

// Webhook events.

func (p *Persistence) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *event
	p.events[event.ID] = &copied

	return nil
}

func (p *Persistence) MarkWebhookEventProcessed(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	event, ok := p.events[id]
	if !ok {
		return persistence.ErrWebhookEventNotFound
	}

	event.Processed = true

	return nil
}

func (p *Persistence) RecentWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	events := make([]*models.WebhookEvent, 0, len(p.events))

	for _, event := range p.events {
		copied := *event
		events = append(events, &copied)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

func (p *Persistence) DeleteProcessedWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0

	for id, event := range p.events {
		if event.Processed && event.CreatedAt.Before(cutoff) {
			delete(p.events, id)

			deleted++
		}
	}

	return deleted, nil
}
