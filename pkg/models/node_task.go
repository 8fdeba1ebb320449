package models

import "time"

// NodeTaskStatus represents the lifecycle state of a node task.
type NodeTaskStatus string

const (
	NodeTaskStatusPending    NodeTaskStatus = "pending"
	NodeTaskStatusQueued     NodeTaskStatus = "queued"
	NodeTaskStatusProcessing NodeTaskStatus = "processing"
	NodeTaskStatusCompleted  NodeTaskStatus = "completed"
	NodeTaskStatusFailed     NodeTaskStatus = "failed"
	NodeTaskStatusSkipped    NodeTaskStatus = "skipped"
)

// Terminal reports whether the status is terminal.
func (s NodeTaskStatus) Terminal() bool {
	switch s {
	case NodeTaskStatusCompleted, NodeTaskStatusFailed, NodeTaskStatusSkipped:
		return true
	default:
		return false
	}
}

// TerminalSuccess reports whether the status unblocks downstream nodes.
// Skipped counts: downstream nodes proceed with a null placeholder for the
// skipped node's output.
func (s NodeTaskStatus) TerminalSuccess() bool {
	return s == NodeTaskStatusCompleted || s == NodeTaskStatusSkipped
}

// NodeTask is one graph node's execution within one workflow execution.
//
// ExternalTaskID is set only by the queued→processing transition in
// external mode: it correlates the task with the provider-assigned
// identifier. It is retained after finalization so duplicate or late
// provider signals can still be matched and dropped as no-ops.
// Finalization is idempotent; the store only applies completed/failed when
// the current status is still processing.
type NodeTask struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	NodeID         string         `json:"node_id"`
	NodeType       string         `json:"node_type"`
	Status         NodeTaskStatus `json:"status"`
	ExternalTaskID *string        `json:"external_task_id,omitempty"`
	InputData      map[string]any `json:"input_data,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Attempts       int            `json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
