package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// QueueRepository handles queue job database operations.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *sql.DB, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{db: db, logger: logger}
}

// Enqueue inserts a pending job and returns its id.
func (qr *QueueRepository) Enqueue(ctx context.Context, job *models.QueueJob) (int64, error) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	query := `
		INSERT INTO queue_jobs (task_type, payload, status, priority, max_attempts, created_at)
		VALUES ($1, $2, 'pending', $3, $4, NOW())
		RETURNING id
	`

	var id int64

	err := qr.db.QueryRowContext(ctx, query, job.TaskType, job.Payload, job.Priority, maxAttempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return id, nil
}

// claimSQL atomically selects and locks one job across all concurrent
// workers. Candidates are pending jobs and processing jobs whose lease has
// expired. FOR UPDATE SKIP LOCKED keeps losers of the race from blocking;
// ORDER BY priority DESC, id ASC gives priority ordering with FIFO
// tie-break. Attempts count lease acquisitions, so an expired-lease re-claim
// consumes an attempt like a fresh claim does.
const claimSQL = `
	WITH candidate AS (
		SELECT id FROM queue_jobs
		WHERE status = 'pending'
		   OR (status = 'processing' AND locked_at < NOW() - ($2 * interval '1 second'))
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE queue_jobs
	SET status = 'processing',
	    locked_by = $1,
	    locked_at = NOW(),
	    attempts = attempts + 1
	FROM candidate
	WHERE queue_jobs.id = candidate.id
	RETURNING queue_jobs.id, queue_jobs.task_type, queue_jobs.payload, queue_jobs.status,
	          queue_jobs.priority, queue_jobs.attempts, queue_jobs.max_attempts,
	          queue_jobs.locked_by, queue_jobs.locked_at, queue_jobs.last_error, queue_jobs.created_at
`

// Claim attempts to claim one job for workerID. Returns nil, nil when no job
// is claimable, which is the normal idle state.
func (qr *QueueRepository) Claim(ctx context.Context, workerID string, lease time.Duration) (*models.QueueJob, error) {
	row := qr.db.QueryRowContext(ctx, claimSQL, workerID, int(lease.Seconds()))

	job, err := scanQueueJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// Complete marks a processing job completed and releases its lease.
func (qr *QueueRepository) Complete(ctx context.Context, jobID int64) error {
	result, err := qr.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'completed', locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrQueueJobNotFound
	}

	return nil
}

// Fail records a failure. While attempts remain the job goes back to pending
// for another claim; only exhausting max_attempts yields a terminal failed.
// The retry-or-fail decision is a single atomic update.
func (qr *QueueRepository) Fail(ctx context.Context, jobID int64, reason string) (models.QueueJobStatus, error) {
	query := `
		UPDATE queue_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    last_error = $2,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE id = $1 AND status = 'processing'
		RETURNING status
	`

	var status models.QueueJobStatus

	err := qr.db.QueryRowContext(ctx, query, jobID, reason).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.ErrQueueJobNotFound
		}

		return "", fmt.Errorf("failed to fail job %d: %w", jobID, err)
	}

	return status, nil
}

// Stats returns the queue depth broken down by status.
func (qr *QueueRepository) Stats(ctx context.Context) (map[models.QueueJobStatus]int, error) {
	rows, err := qr.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			qr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	stats := make(map[models.QueueJobStatus]int)

	for rows.Next() {
		var (
			status models.QueueJobStatus
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}

		stats[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}

	return stats, nil
}

// DeleteTerminalOlderThan purges completed and failed jobs created before the
// cutoff. Retention only; business logic never deletes jobs.
func (qr *QueueRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := qr.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE status IN ('completed', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func scanQueueJob(scanner interface{ Scan(dest ...any) error }) (*models.QueueJob, error) {
	var job models.QueueJob

	err := scanner.Scan(
		&job.ID,
		&job.TaskType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LockedBy,
		&job.LockedAt,
		&job.LastError,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &job, nil
}
