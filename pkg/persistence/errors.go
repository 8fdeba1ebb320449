// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates a workflow execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNodeTaskNotFound indicates a node task was not found.
	ErrNodeTaskNotFound = errors.New("node task not found")

	// ErrQueueJobNotFound indicates a queue job was not found.
	ErrQueueJobNotFound = errors.New("queue job not found")

	// ErrWebhookEventNotFound indicates a webhook event was not found.
	ErrWebhookEventNotFound = errors.New("webhook event not found")
)

// TaskError wraps node-task-related errors with additional context.
type TaskError struct {
	Op          string // Operation being performed (e.g., "Finalize", "MarkQueued")
	ExecutionID string
	TaskID      string
	Err         error
}

func (e *TaskError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s operation failed for task %s in execution %s: %v", e.Op, e.TaskID, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a new task error with context.
func NewTaskError(op, taskID string, err error) *TaskError {
	return &TaskError{Op: op, TaskID: taskID, Err: err}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsNodeTaskNotFound checks if an error indicates a node task was not found.
func IsNodeTaskNotFound(err error) bool {
	return errors.Is(err, ErrNodeTaskNotFound)
}
