package models

import "time"

// QueueJobStatus represents the lifecycle state of a queue job.
type QueueJobStatus string

const (
	QueueJobStatusPending    QueueJobStatus = "pending"
	QueueJobStatusProcessing QueueJobStatus = "processing"
	QueueJobStatusCompleted  QueueJobStatus = "completed"
	QueueJobStatusFailed     QueueJobStatus = "failed"
)

// Queue task type discriminators. The queue itself is workload-agnostic;
// the dispatcher routes on TaskType.
const (
	TaskTypeNodeExecute = "node.execute"
)

const DefaultMaxAttempts = 3

// QueueJob is an atomic, leasable unit of dispatchable work. A job in
// processing whose lease has expired (LockedAt + lease < now) is eligible
// for re-claim by any worker; at most one worker ever holds an unexpired
// lease.
type QueueJob struct {
	ID          int64          `json:"id"`
	TaskType    string         `json:"task_type"`
	Payload     []byte         `json:"payload"`
	Status      QueueJobStatus `json:"status"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Terminal reports whether the job is in a terminal status.
func (j *QueueJob) Terminal() bool {
	return j.Status == QueueJobStatusCompleted || j.Status == QueueJobStatusFailed
}

// NodeExecutePayload is the payload carried by node.execute queue jobs. The
// queue references node tasks by payload, not by schema foreign key.
type NodeExecutePayload struct {
	ExecutionID string `json:"execution_id"`
	NodeTaskID  string `json:"node_task_id"`
}
