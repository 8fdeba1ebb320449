package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

// WorkflowRepository handles workflow definition database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// Save upserts a workflow definition.
func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	nodesJSON, err := json.Marshal(workflow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow nodes: %w", err)
	}

	variablesJSON, err := json.Marshal(workflow.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow variables: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, nodes, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			nodes = EXCLUDED.nodes,
			variables = EXCLUDED.variables,
			updated_at = EXCLUDED.updated_at
	`

	_, err = wr.db.ExecContext(ctx, query,
		workflow.ID, workflow.Name, nodesJSON, variablesJSON, workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// GetByID retrieves a workflow by its id.
func (wr *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT id, name, nodes, variables, created_at, updated_at FROM workflows WHERE id = $1`

	var (
		workflow      models.Workflow
		nodesJSON     []byte
		variablesJSON []byte
	)

	err := wr.db.QueryRowContext(ctx, query, id).Scan(
		&workflow.ID,
		&workflow.Name,
		&nodesJSON,
		&variablesJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	err = json.Unmarshal(nodesJSON, &workflow.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow nodes: %w", err)
	}

	if variablesJSON != nil {
		err = json.Unmarshal(variablesJSON, &workflow.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow variables: %w", err)
		}
	}

	return &workflow, nil
}
