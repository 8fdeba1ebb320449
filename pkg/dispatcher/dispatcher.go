// Package dispatcher claims queued node jobs and executes them: local nodes
// run in-worker, external nodes are submitted to their provider and left for
// the reconciler to settle.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/events"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/otelhelper"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/protocol"
	"github.com/fabriq-ai/fabriq/pkg/ratelimit"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

// Config carries the dispatcher's tunables.
type Config struct {
	WorkerID string
	// Lease is how long a claimed job stays invisible to other workers.
	Lease time.Duration
	// LocalTimeout bounds a single local node run.
	LocalTimeout time.Duration
	// IdleInterval is the sleep between claim attempts when the queue is empty.
	IdleInterval time.Duration
}

type Dispatcher struct {
	config      Config
	persistence persistence.Persistence
	registry    *registry.Registry
	aggregator  *execution.Aggregator
	advancer    *execution.Advancer
	eventBus    eventbus.EventBus
	limiter     ratelimit.Limiter
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewDispatcher(
	config Config,
	p persistence.Persistence,
	reg *registry.Registry,
	aggregator *execution.Aggregator,
	advancer *execution.Advancer,
	eb eventbus.EventBus,
	limiter ratelimit.Limiter,
	logger *slog.Logger,
) *Dispatcher {
	if config.Lease == 0 {
		config.Lease = 2 * time.Minute
	}

	if config.LocalTimeout == 0 {
		config.LocalTimeout = time.Minute
	}

	if config.IdleInterval == 0 {
		config.IdleInterval = time.Second
	}

	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	return &Dispatcher{
		config:      config,
		persistence: p,
		registry:    reg,
		aggregator:  aggregator,
		advancer:    advancer,
		eventBus:    eb,
		limiter:     limiter,
		tracer:      otel.Tracer("fabriq.dispatcher"),
		logger:      logger.With("module", "dispatcher", "worker_id", config.WorkerID),
	}
}

// Run claims and handles jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "Dispatcher stopping")

			return ctx.Err()
		default:
		}

		job, err := d.persistence.ClaimJob(ctx, d.config.WorkerID, d.config.Lease)
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to claim job", "error", err)
			d.sleep(ctx, d.config.IdleInterval)

			continue
		}

		if job == nil {
			d.sleep(ctx, d.config.IdleInterval)

			continue
		}

		err = d.HandleJob(ctx, job)
		if err != nil {
			d.logger.ErrorContext(ctx, "Job handling failed",
				"job_id", job.ID, "error", err)
		}
	}
}

// HandleJob executes one claimed job end to end. The span is a no-op unless
// a tracer provider was installed at startup.
func (d *Dispatcher) HandleJob(ctx context.Context, job *models.QueueJob) error {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.handle_job",
		attribute.Int64(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.WorkerIDKey, d.config.WorkerID),
	)
	defer span.End()

	err := d.handleJob(ctx, job)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (d *Dispatcher) handleJob(ctx context.Context, job *models.QueueJob) error {
	var payload models.NodeExecutePayload

	err := json.Unmarshal(job.Payload, &payload)
	if err != nil {
		// Malformed payloads can never succeed.
		return d.failJobPermanently(ctx, job, nil, fmt.Sprintf("malformed job payload: %v", err))
	}

	task, err := d.persistence.NodeTaskByID(ctx, payload.NodeTaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNodeTaskNotFound) {
			return d.failJobPermanently(ctx, job, nil, "node task no longer exists")
		}

		return d.retryJob(ctx, job, task, err)
	}

	if task.Status.Terminal() {
		// Duplicate delivery after the task already settled.
		return d.persistence.CompleteJob(ctx, job.ID)
	}

	exec, err := d.persistence.ExecutionByID(ctx, task.ExecutionID)
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	if exec.Status.Terminal() {
		d.logger.InfoContext(ctx, "Dropping job for terminal execution",
			"execution_id", exec.ID, "status", exec.Status)

		return d.persistence.CompleteJob(ctx, job.ID)
	}

	err = d.aggregator.EnsureRunning(ctx, exec.ID)
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	workflow, err := d.persistence.WorkflowByID(ctx, exec.WorkflowID)
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	node, ok := workflow.NodeByID(task.NodeID)
	if !ok {
		return d.failJobPermanently(ctx, job, task, fmt.Sprintf("node %s missing from workflow %s", task.NodeID, workflow.ID))
	}

	mode, err := d.registry.Mode(node.Type)
	if err != nil {
		return d.failJobPermanently(ctx, job, task, err.Error())
	}

	input, err := d.buildInput(ctx, exec, workflow, node)
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	if mode == protocol.ExecutionModeLocal {
		return d.handleLocal(ctx, job, task, node, input)
	}

	return d.handleExternal(ctx, job, task, node, input)
}

func (d *Dispatcher) buildInput(ctx context.Context, exec *models.WorkflowExecution, workflow *models.Workflow, node *models.WorkflowNode) (map[string]any, error) {
	tasks, err := d.persistence.NodeTasksByExecution(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sibling tasks: %w", err)
	}

	byNode := make(map[string]*models.NodeTask, len(tasks))
	for _, t := range tasks {
		byNode[t.NodeID] = t
	}

	return execution.BuildInput(exec, workflow, node, byNode), nil
}

// handleLocal runs the node in-process with a bounded timeout.
func (d *Dispatcher) handleLocal(ctx context.Context, job *models.QueueJob, task *models.NodeTask, node *models.WorkflowNode, input map[string]any) error {
	moved, err := d.persistence.MarkNodeTaskProcessing(ctx, task.ID, nil)
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	if !moved {
		// A previous delivery already moved the task to processing and then
		// failed transiently; re-load and continue if it is still ours to run.
		current, err := d.persistence.NodeTaskByID(ctx, task.ID)
		if err != nil || current.Status != models.NodeTaskStatusProcessing {
			return d.persistence.CompleteJob(ctx, job.ID)
		}
	}

	runner, err := d.registry.CreateLocalRunner(node.Type, node.Config)
	if err != nil {
		return d.failJobPermanently(ctx, job, task, fmt.Sprintf("failed to create runner: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, d.config.LocalTimeout)
	defer cancel()

	started := time.Now()
	output, err := runner.Run(runCtx, input, d.logger.With("node_id", node.ID, "node_type", node.Type))

	if err != nil {
		// Local node errors are deterministic unless the run timed out.
		if errors.Is(err, context.DeadlineExceeded) && !protocol.IsPermanent(err) {
			return d.retryJob(ctx, job, task, err)
		}

		return d.failJobPermanently(ctx, job, task, err.Error())
	}

	won, err := d.persistence.FinalizeNodeTask(ctx, task.ID, models.NodeTaskStatusCompleted, output, "")
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	err = d.persistence.CompleteJob(ctx, job.ID)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to complete job", "job_id", job.ID, "error", err)
	}

	if won {
		d.publishTaskCompleted(ctx, task, output, time.Since(started))
	}

	return d.settle(ctx, task.ExecutionID)
}

// handleExternal submits the node to its provider and returns; the task stays
// processing until a webhook or poll settles it.
func (d *Dispatcher) handleExternal(ctx context.Context, job *models.QueueJob, task *models.NodeTask, node *models.WorkflowNode, input map[string]any) error {
	factory, ok := d.registry.AdapterFactory(node.Type)
	if !ok {
		return d.failJobPermanently(ctx, job, task, fmt.Sprintf("no provider adapter for node type %s", node.Type))
	}

	acquired, err := d.limiter.Acquire(ctx, factory.Source())
	if err != nil {
		return d.retryJob(ctx, job, task, err)
	}

	if !acquired {
		// Provider is at its inflight cap; put the job back without burning
		// an attempt budget on backpressure.
		d.logger.DebugContext(ctx, "Provider at inflight cap, requeueing",
			"source", factory.Source(), "task_id", task.ID)

		return d.requeue(ctx, job)
	}

	adapter, err := d.registry.CreateProviderAdapter(node.Type, node.Config)
	if err != nil {
		d.release(ctx, factory.Source())

		return d.failJobPermanently(ctx, job, task, fmt.Sprintf("failed to create adapter: %v", err))
	}

	externalTaskID, err := adapter.Submit(ctx, input)
	if err != nil {
		d.release(ctx, factory.Source())

		if protocol.IsPermanent(err) {
			return d.failJobPermanently(ctx, job, task, err.Error())
		}

		return d.retryJob(ctx, job, task, err)
	}

	moved, err := d.persistence.MarkNodeTaskProcessing(ctx, task.ID, &externalTaskID)
	if err != nil {
		d.release(ctx, factory.Source())

		return d.retryJob(ctx, job, task, err)
	}

	if !moved {
		// Duplicate delivery after lease expiry: the task already carries the
		// first submission's external id, so this submission never gets its
		// result applied and must not hold a slot.
		d.release(ctx, factory.Source())
		d.logger.WarnContext(ctx, "Task left queued state during submit",
			"task_id", task.ID, "external_task_id", externalTaskID)
	}

	d.logger.InfoContext(ctx, "Submitted external task",
		"task_id", task.ID, "node_type", node.Type, "external_task_id", externalTaskID)

	return d.persistence.CompleteJob(ctx, job.ID)
}

// retryJob hands the job back to the queue; on attempt exhaustion the task
// itself is finalized failed.
func (d *Dispatcher) retryJob(ctx context.Context, job *models.QueueJob, task *models.NodeTask, cause error) error {
	status, err := d.persistence.FailJob(ctx, job.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", job.ID, err)
	}

	if status != models.QueueJobStatusFailed || task == nil {
		return nil
	}

	return d.finalizeFailed(ctx, task, fmt.Sprintf("attempts exhausted: %v", cause))
}

// failJobPermanently marks the job terminally failed and, when the task is
// known, finalizes it failed too.
func (d *Dispatcher) failJobPermanently(ctx context.Context, job *models.QueueJob, task *models.NodeTask, reason string) error {
	// The job may bounce back to pending while attempts remain; re-delivery
	// is harmless because the task is finalized below, so the next delivery
	// sees a terminal task and completes the job.
	_, err := d.persistence.FailJob(ctx, job.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", job.ID, err)
	}

	if task == nil {
		return nil
	}

	return d.finalizeFailed(ctx, task, reason)
}

func (d *Dispatcher) finalizeFailed(ctx context.Context, task *models.NodeTask, reason string) error {
	won, err := d.persistence.FinalizeNodeTask(ctx, task.ID, models.NodeTaskStatusFailed, nil, reason)
	if err != nil {
		return err
	}

	if won {
		event := events.NodeTaskFailed{
			BaseEvent:   events.NewBaseEvent(events.NodeTaskFailedEvent, ""),
			ExecutionID: task.ExecutionID,
			TaskID:      task.ID,
			NodeID:      task.NodeID,
			NodeType:    task.NodeType,
			Error:       reason,
		}
		event.WorkerID = d.config.WorkerID

		err := d.eventBus.Publish(ctx, task.ExecutionID, event)
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to publish task failed event",
				"task_id", task.ID, "error", err)
		}
	}

	return d.settle(ctx, task.ExecutionID)
}

// settle recomputes execution state and advances the graph. Runs after every
// finalize regardless of outcome.
func (d *Dispatcher) settle(ctx context.Context, executionID string) error {
	err := d.aggregator.Recompute(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to recompute execution %s: %w", executionID, err)
	}

	err = d.advancer.Advance(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to advance execution %s: %w", executionID, err)
	}

	return nil
}

// requeue completes the claimed job and enqueues an identical fresh one, so
// backpressure does not consume the attempt budget.
func (d *Dispatcher) requeue(ctx context.Context, job *models.QueueJob) error {
	err := d.persistence.CompleteJob(ctx, job.ID)
	if err != nil {
		return err
	}

	_, err = d.persistence.EnqueueJob(ctx, &models.QueueJob{
		TaskType:    job.TaskType,
		Payload:     job.Payload,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
	})

	return err
}

func (d *Dispatcher) release(ctx context.Context, source string) {
	err := d.limiter.Release(ctx, source)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to release inflight slot",
			"source", source, "error", err)
	}
}

func (d *Dispatcher) publishTaskCompleted(ctx context.Context, task *models.NodeTask, output map[string]any, duration time.Duration) {
	event := events.NodeTaskCompleted{
		BaseEvent:   events.NewBaseEvent(events.NodeTaskCompletedEvent, ""),
		ExecutionID: task.ExecutionID,
		TaskID:      task.ID,
		NodeID:      task.NodeID,
		NodeType:    task.NodeType,
		OutputData:  output,
		DurationMs:  duration.Milliseconds(),
	}
	event.WorkerID = d.config.WorkerID

	err := d.eventBus.Publish(ctx, task.ExecutionID, event)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to publish task completed event",
			"task_id", task.ID, "error", err)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
