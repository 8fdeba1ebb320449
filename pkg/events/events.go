// Package events defines event types and structures for execution lifecycle
// notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries all execution lifecycle events.
const Topic = "fabriq.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Node task events.
	NodeTaskCompletedEvent EventType = "node.task.completed"
	NodeTaskFailedEvent    EventType = "node.task.failed"
	NodeTaskSkippedEvent   EventType = "node.task.skipped"

	// Webhook ingress anomalies.
	WebhookUnmatchedEvent EventType = "webhook.unmatched"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	Input       map[string]any `json:"input,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
	Progress    int    `json:"progress"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
	FailedNode  string `json:"failed_node,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type NodeTaskCompleted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

func (e NodeTaskCompleted) GetType() EventType {
	return NodeTaskCompletedEvent
}

type NodeTaskFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	NodeID      string `json:"node_id"`
	NodeType    string `json:"node_type"`
	Error       string `json:"error"`
}

func (e NodeTaskFailed) GetType() EventType {
	return NodeTaskFailedEvent
}

type NodeTaskSkipped struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	NodeID      string `json:"node_id"`
	FailedDep   string `json:"failed_dep,omitempty"`
}

func (e NodeTaskSkipped) GetType() EventType {
	return NodeTaskSkippedEvent
}

type WebhookUnmatched struct {
	BaseEvent

	EventID        string `json:"event_id"`
	Source         string `json:"source"`
	ExternalTaskID string `json:"external_task_id"`
}

func (e WebhookUnmatched) GetType() EventType {
	return WebhookUnmatchedEvent
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}
