package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// WebhookEventRepository handles webhook event database operations.
type WebhookEventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWebhookEventRepository creates a new webhook event repository.
func NewWebhookEventRepository(db *sql.DB, logger *slog.Logger) *WebhookEventRepository {
	return &WebhookEventRepository{db: db, logger: logger}
}

// Save persists an inbound event before any processing happens (write-ahead).
func (wer *WebhookEventRepository) Save(ctx context.Context, event *models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (id, source, external_id, payload, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := wer.db.ExecContext(ctx, query,
		event.ID, event.Source, event.ExternalID, event.Payload, event.Processed, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}

	return nil
}

// MarkProcessed flips the processed flag. Events that never match a task stay
// processed=false for diagnosis.
func (wer *WebhookEventRepository) MarkProcessed(ctx context.Context, id string) error {
	result, err := wer.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWebhookEventNotFound
	}

	return nil
}

// Recent returns the most recent webhook events, newest first.
func (wer *WebhookEventRepository) Recent(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	rows, err := wer.db.QueryContext(ctx, `
		SELECT id, source, external_id, payload, processed, created_at
		FROM webhook_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			wer.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var events []*models.WebhookEvent

	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

// DeleteProcessedOlderThan purges processed audit records past the retention
// window. Unprocessed events are kept: they mark unresolved anomalies.
func (wer *WebhookEventRepository) DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := wer.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processed = true AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed webhook events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func scanWebhookEvent(scanner interface{ Scan(dest ...any) error }) (*models.WebhookEvent, error) {
	var event models.WebhookEvent

	err := scanner.Scan(
		&event.ID,
		&event.Source,
		&event.ExternalID,
		&event.Payload,
		&event.Processed,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &event, nil
}
