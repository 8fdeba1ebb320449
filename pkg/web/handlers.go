// Package web provides the HTTP surface: execution management, provider
// webhook ingress and admin diagnostics.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/events"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/protocol"
	"github.com/fabriq-ai/fabriq/pkg/reconciler"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

type APIHandlers struct {
	persistence persistence.Persistence
	starter     *execution.Starter
	aggregator  *execution.Aggregator
	advancer    *execution.Advancer
	reconciler  *reconciler.Reconciler
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	p persistence.Persistence,
	starter *execution.Starter,
	aggregator *execution.Aggregator,
	advancer *execution.Advancer,
	rec *reconciler.Reconciler,
	reg *registry.Registry,
	eb eventbus.EventBus,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		starter:     starter,
		aggregator:  aggregator,
		advancer:    advancer,
		reconciler:  rec,
		registry:    reg,
		eventBus:    eb,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "web"),
	}
}

// SaveWorkflowRequest is the body of PUT /workflows/:id.
type SaveWorkflowRequest struct {
	Name      string                 `json:"name"      validate:"required,min=3"`
	Nodes     []*models.WorkflowNode `json:"nodes"     validate:"required,min=1,dive"`
	Variables map[string]any         `json:"variables"`
}

func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req SaveWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:        id,
		Name:      req.Name,
		Nodes:     req.Nodes,
		Variables: req.Variables,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := workflow.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveWorkflow(c.Context(), workflow); err != nil {
		return internalError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.persistence.WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(workflow)
}

// StartExecutionRequest is the body of POST /executions.
type StartExecutionRequest struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Input      map[string]any `json:"input"`
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := h.starter.Start(c.Context(), req.WorkflowID, req.Input)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return notFound(c, "Workflow not found")
		}

		return badRequest(c, err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(exec)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")

	exec, err := h.persistence.ExecutionByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return notFound(c, "Execution not found")
		}

		return internalError(c, err)
	}

	tasks, err := h.persistence.NodeTasksByExecution(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"execution": exec,
		"tasks":     tasks,
	})
}

// CancelExecutionRequest is the body of POST /executions/:id/cancel.
type CancelExecutionRequest struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")

	var req CancelExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	won, err := h.starter.Cancel(c.Context(), id, req.Reason, req.CancelledBy)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return notFound(c, "Execution not found")
		}

		return internalError(c, err)
	}

	if !won {
		return conflict(c, "Execution is already terminal")
	}

	return c.JSON(fiber.Map{"status": models.ExecutionStatusCancelled})
}

// ReceiveWebhook handles POST /webhooks/:provider. The raw event is persisted
// write-ahead before any matching; unmatched events stay processed=false and
// the provider still gets a 200, so it never retries into a poison loop.
func (h *APIHandlers) ReceiveWebhook(c fiber.Ctx) error {
	source := c.Params("provider")
	body := c.Body()

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return badRequest(c, "Invalid JSON payload")
	}

	if factory, ok := h.registry.AdapterFactoryBySource(source); ok {
		if schema := factory.CallbackSchema(); schema != nil {
			result, err := gojsonschema.Validate(
				gojsonschema.NewGoLoader(schema),
				gojsonschema.NewBytesLoader(body),
			)
			if err != nil {
				return internalError(c, err)
			}

			if !result.Valid() {
				return unprocessable(c, "Payload does not match the provider callback schema")
			}
		}
	}

	providerResult := parseCallback(payload)

	event := &models.WebhookEvent{
		ID:         uuid.New().String(),
		Source:     source,
		ExternalID: providerResult.ExternalTaskID,
		Payload:    body,
		Processed:  false,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.persistence.SaveWebhookEvent(c.Context(), event); err != nil {
		return internalError(c, err)
	}

	if providerResult.ExternalTaskID == "" {
		h.logger.WarnContext(c.Context(), "Webhook without task id",
			"source", source, "event_id", event.ID)

		return c.JSON(fiber.Map{"status": "accepted", "event_id": event.ID})
	}

	outcome, err := h.reconciler.Apply(c.Context(), providerResult)
	if err != nil && !errors.Is(err, reconciler.ErrUnmatched) {
		h.logger.ErrorContext(c.Context(), "Webhook reconcile failed",
			"event_id", event.ID, "error", err)

		return internalError(c, err)
	}

	if outcome == reconciler.OutcomeUnmatched {
		h.logger.WarnContext(c.Context(), "Unmatched webhook",
			"source", source, "external_task_id", providerResult.ExternalTaskID)
		h.publishUnmatched(c, event, providerResult.ExternalTaskID)

		return c.JSON(fiber.Map{"status": "accepted", "event_id": event.ID})
	}

	// A still-pending result applied nothing; the event stays unprocessed so
	// it is not mistaken for the settling signal.
	if outcome != reconciler.OutcomeStillPending {
		if err := h.persistence.MarkWebhookEventProcessed(c.Context(), event.ID); err != nil {
			h.logger.ErrorContext(c.Context(), "Failed to mark webhook processed",
				"event_id", event.ID, "error", err)
		}
	}

	return c.JSON(fiber.Map{
		"status":   "accepted",
		"event_id": event.ID,
		"outcome":  outcome,
	})
}

func (h *APIHandlers) publishUnmatched(c fiber.Ctx, event *models.WebhookEvent, externalTaskID string) {
	busEvent := events.WebhookUnmatched{
		BaseEvent:      events.NewBaseEvent(events.WebhookUnmatchedEvent, ""),
		EventID:        event.ID,
		Source:         event.Source,
		ExternalTaskID: externalTaskID,
	}

	if err := h.eventBus.Publish(c.Context(), event.ID, busEvent); err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to publish unmatched event",
			"event_id", event.ID, "error", err)
	}
}

// parseCallback maps a generic provider callback body onto a normalized
// result. Providers vary in field naming; the common aliases are probed in
// order.
func parseCallback(payload map[string]any) *protocol.ProviderResult {
	result := &protocol.ProviderResult{Status: protocol.OutcomePending}

	for _, key := range []string{"task_id", "external_task_id", "id", "job_id"} {
		if id, ok := payload[key].(string); ok && id != "" {
			result.ExternalTaskID = id

			break
		}
	}

	if raw, ok := payload["status"].(string); ok {
		result.Status = protocol.NormalizeStatus(raw)
	}

	if output, ok := payload["output"].(map[string]any); ok {
		result.Output = output
	} else if output, ok := payload["result"].(map[string]any); ok {
		result.Output = output
	}

	for _, key := range []string{"error", "message"} {
		if message, ok := payload[key].(string); ok && message != "" {
			result.ErrorMessage = message

			break
		}
	}

	return result
}

func (h *APIHandlers) GetQueueStats(c fiber.Ctx) error {
	stats, err := h.persistence.QueueStats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	depth := stats[models.QueueJobStatusPending] + stats[models.QueueJobStatusProcessing]

	return c.JSON(fiber.Map{
		"depth":     depth,
		"breakdown": stats,
	})
}

func (h *APIHandlers) GetRecentWebhooks(c fiber.Ctx) error {
	limit := fiber.Query(c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	recent, err := h.persistence.RecentWebhookEvents(c.Context(), limit)
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]models.WebhookEventSummary, 0, len(recent))

	for _, event := range recent {
		summary := models.WebhookEventSummary{
			ID:         event.ID,
			Source:     event.Source,
			ExternalID: event.ExternalID,
			Processed:  event.Processed,
			CreatedAt:  event.CreatedAt,
		}

		var payload map[string]any
		if err := json.Unmarshal(event.Payload, &payload); err == nil {
			if status, ok := payload["status"].(string); ok {
				summary.Status = status
			}
		}

		summaries = append(summaries, summary)
	}

	return c.JSON(fiber.Map{"events": summaries})
}

// ForceCompleteTask is the manual remediation escape hatch: an operator
// settles a task whose provider will never answer.
func (h *APIHandlers) ForceCompleteTask(c fiber.Ctx) error {
	id := c.Params("id")

	task, err := h.persistence.NodeTaskByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNodeTaskNotFound) {
			return notFound(c, "Node task not found")
		}

		return internalError(c, err)
	}

	if task.Status.Terminal() {
		return conflict(c, "Task is already terminal")
	}

	if task.Status != models.NodeTaskStatusProcessing {
		return conflict(c, "Only processing tasks can be force-completed")
	}

	won, err := h.persistence.FinalizeNodeTask(c.Context(), task.ID,
		models.NodeTaskStatusCompleted,
		map[string]any{"forced": true, "note": "force-completed by operator"}, "")
	if err != nil {
		return internalError(c, err)
	}

	if !won {
		return conflict(c, "Task settled concurrently")
	}

	h.logger.WarnContext(c.Context(), "Task force-completed by operator",
		"task_id", task.ID, "execution_id", task.ExecutionID)

	if err := h.aggregator.Recompute(c.Context(), task.ExecutionID); err != nil {
		return internalError(c, err)
	}

	if err := h.advancer.Advance(c.Context(), task.ExecutionID); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"status": models.NodeTaskStatusCompleted})
}
