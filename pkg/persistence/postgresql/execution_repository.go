package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// ExecutionRepository handles workflow execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts a new execution.
func (er *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	inputJSON, err := json.Marshal(execution.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal execution input: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (id, workflow_id, status, progress, error_message, input, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.Status,
		execution.Progress,
		nullableString(execution.Error),
		inputJSON,
		execution.StartedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its id.
func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT id, workflow_id, status, progress, error_message, input, started_at, completed_at
		FROM workflow_executions
		WHERE id = $1
	`

	execution, err := scanExecution(er.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// UpdateProgress raises the progress value. GREATEST keeps progress
// monotonically non-decreasing even under concurrent recomputes.
func (er *ExecutionRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	result, err := er.db.ExecContext(ctx, `
		UPDATE workflow_executions SET progress = GREATEST(progress, $2) WHERE id = $1
	`, id, progress)
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

// TransitionStatus applies the status change only while the current status is
// one of from. completed_at is stamped on the winning terminal transition and
// never overwritten, which gates the exactly-once completion side effect.
func (er *ExecutionRepository) TransitionStatus(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string) (bool, error) {
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	query := `
		UPDATE workflow_executions
		SET status = $2,
		    error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($4)
	`

	result, err := er.db.ExecContext(ctx, query, id, to, errorMessage, pq.Array(fromStatuses))
	if err != nil {
		return false, fmt.Errorf("failed to transition execution status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

// DeleteOlderThan removes terminal executions of the given status completed
// before the cutoff. Node tasks are deleted first inside the same
// transaction: the ownership order is explicit rather than relying on
// FK cascade behavior.
func (er *ExecutionRepository) DeleteOlderThan(ctx context.Context, status models.ExecutionStatus, cutoff time.Time) (int, error) {
	transaction, err := er.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin retention transaction: %w", err)
	}

	_, err = transaction.ExecContext(ctx, `
		DELETE FROM node_tasks
		WHERE execution_id IN (
			SELECT id FROM workflow_executions WHERE status = $1 AND completed_at < $2
		)
	`, status, cutoff)
	if err != nil {
		_ = transaction.Rollback()

		return 0, fmt.Errorf("failed to delete node tasks for retention: %w", err)
	}

	result, err := transaction.ExecContext(ctx, `
		DELETE FROM workflow_executions WHERE status = $1 AND completed_at < $2
	`, status, cutoff)
	if err != nil {
		_ = transaction.Rollback()

		return 0, fmt.Errorf("failed to delete executions for retention: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		_ = transaction.Rollback()

		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	err = transaction.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit retention transaction: %w", err)
	}

	return int(affected), nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.WorkflowExecution, error) {
	var (
		execution    models.WorkflowExecution
		errorMessage sql.NullString
		inputJSON    []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.Status,
		&execution.Progress,
		&errorMessage,
		&inputJSON,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Error = errorMessage.String

	if inputJSON != nil {
		err := json.Unmarshal(inputJSON, &execution.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution input: %w", err)
		}
	}

	return &execution, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
