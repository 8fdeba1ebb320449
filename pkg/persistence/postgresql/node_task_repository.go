package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// NodeTaskRepository handles node task database operations. Every state
// transition is a conditional update keyed by id plus expected prior status,
// so duplicate signals from concurrent workers collapse into no-ops.
type NodeTaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNodeTaskRepository creates a new node task repository.
func NewNodeTaskRepository(db *sql.DB, logger *slog.Logger) *NodeTaskRepository {
	return &NodeTaskRepository{db: db, logger: logger}
}

// CreateBatch inserts all node tasks of an execution in one transaction.
func (ntr *NodeTaskRepository) CreateBatch(ctx context.Context, tasks []*models.NodeTask) error {
	transaction, err := ntr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO node_tasks (id, execution_id, node_id, node_type, status, input_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, task := range tasks {
		inputJSON, err := json.Marshal(task.InputData)
		if err != nil {
			_ = transaction.Rollback()

			return fmt.Errorf("failed to marshal input data for node %s: %w", task.NodeID, err)
		}

		_, err = transaction.ExecContext(ctx, query,
			task.ID, task.ExecutionID, task.NodeID, task.NodeType, task.Status, inputJSON, task.CreatedAt)
		if err != nil {
			_ = transaction.Rollback()

			return fmt.Errorf("failed to insert node task %s: %w", task.ID, err)
		}
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit node tasks: %w", err)
	}

	return nil
}

const nodeTaskColumns = `
	id, execution_id, node_id, node_type, status, external_task_id,
	input_data, output_data, error_message, attempts, created_at, started_at, completed_at
`

// GetByID retrieves a node task by its id.
func (ntr *NodeTaskRepository) GetByID(ctx context.Context, id string) (*models.NodeTask, error) {
	row := ntr.db.QueryRowContext(ctx, `SELECT `+nodeTaskColumns+` FROM node_tasks WHERE id = $1`, id)

	task, err := scanNodeTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNodeTaskNotFound
		}

		return nil, fmt.Errorf("failed to scan node task: %w", err)
	}

	return task, nil
}

// GetByExecution retrieves all node tasks belonging to an execution.
func (ntr *NodeTaskRepository) GetByExecution(ctx context.Context, executionID string) ([]*models.NodeTask, error) {
	rows, err := ntr.db.QueryContext(ctx,
		`SELECT `+nodeTaskColumns+` FROM node_tasks WHERE execution_id = $1 ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node tasks: %w", err)
	}

	return ntr.collectNodeTasks(ctx, rows)
}

// GetByExternalID retrieves the unique node task correlated with a
// provider-assigned identifier.
func (ntr *NodeTaskRepository) GetByExternalID(ctx context.Context, externalID string) (*models.NodeTask, error) {
	row := ntr.db.QueryRowContext(ctx,
		`SELECT `+nodeTaskColumns+` FROM node_tasks WHERE external_task_id = $1`, externalID)

	task, err := scanNodeTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNodeTaskNotFound
		}

		return nil, fmt.Errorf("failed to scan node task: %w", err)
	}

	return task, nil
}

// MarkQueued moves a pending task to queued.
func (ntr *NodeTaskRepository) MarkQueued(ctx context.Context, taskID string) (bool, error) {
	return ntr.conditionalUpdate(ctx, `
		UPDATE node_tasks SET status = 'queued'
		WHERE id = $1 AND status = 'pending'
	`, taskID)
}

// MarkProcessing moves a queued task to processing, stamping started_at and
// recording the provider-assigned identifier for external-mode nodes.
func (ntr *NodeTaskRepository) MarkProcessing(ctx context.Context, taskID string, externalTaskID *string) (bool, error) {
	return ntr.conditionalUpdate(ctx, `
		UPDATE node_tasks
		SET status = 'processing',
		    external_task_id = $2,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = 'queued'
	`, taskID, externalTaskID)
}

// Finalize moves a processing task to completed or failed exactly once. The
// status guard makes duplicate external results (webhook plus late poll)
// benign: the second application affects zero rows.
func (ntr *NodeTaskRepository) Finalize(ctx context.Context, taskID string, to models.NodeTaskStatus, output map[string]any, errorMessage string) (bool, error) {
	if to != models.NodeTaskStatusCompleted && to != models.NodeTaskStatusFailed {
		return false, fmt.Errorf("finalize to non-terminal status %q", to)
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("failed to marshal output data: %w", err)
	}

	return ntr.conditionalUpdate(ctx, `
		UPDATE node_tasks
		SET status = $2,
		    output_data = $3,
		    error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
		    completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, taskID, to, outputJSON, errorMessage)
}

// MarkSkipped moves a pending task directly to skipped (bypass of a node
// whose upstream failed and whose semantics allow pass-through).
func (ntr *NodeTaskRepository) MarkSkipped(ctx context.Context, taskID string) (bool, error) {
	return ntr.conditionalUpdate(ctx, `
		UPDATE node_tasks SET status = 'skipped', completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, taskID)
}

// ProcessingExternalOlderThan finds parked external tasks whose execution
// started before now minus age. Used by the poller (minimum age) and by the
// recovery sweep (grace period).
func (ntr *NodeTaskRepository) ProcessingExternalOlderThan(ctx context.Context, age time.Duration) ([]*models.NodeTask, error) {
	rows, err := ntr.db.QueryContext(ctx, `
		SELECT `+nodeTaskColumns+`
		FROM node_tasks
		WHERE status = 'processing'
		  AND external_task_id IS NOT NULL
		  AND started_at < NOW() - ($1 * interval '1 second')
		ORDER BY started_at
	`, int(age.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to query processing external tasks: %w", err)
	}

	return ntr.collectNodeTasks(ctx, rows)
}

func (ntr *NodeTaskRepository) conditionalUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := ntr.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update node task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

func (ntr *NodeTaskRepository) collectNodeTasks(ctx context.Context, rows *sql.Rows) ([]*models.NodeTask, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			ntr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var tasks []*models.NodeTask

	for rows.Next() {
		task, err := scanNodeTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node tasks: %w", err)
	}

	return tasks, nil
}

func scanNodeTask(scanner interface{ Scan(dest ...any) error }) (*models.NodeTask, error) {
	var (
		task                  models.NodeTask
		errorMessage          sql.NullString
		inputJSON, outputJSON []byte
	)

	err := scanner.Scan(
		&task.ID,
		&task.ExecutionID,
		&task.NodeID,
		&task.NodeType,
		&task.Status,
		&task.ExternalTaskID,
		&inputJSON,
		&outputJSON,
		&errorMessage,
		&task.Attempts,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ErrorMessage = errorMessage.String

	if inputJSON != nil {
		err := json.Unmarshal(inputJSON, &task.InputData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal input data: %w", err)
		}
	}

	if outputJSON != nil {
		err := json.Unmarshal(outputJSON, &task.OutputData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
		}
	}

	return &task, nil
}
