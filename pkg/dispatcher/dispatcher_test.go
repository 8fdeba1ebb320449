package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriq-ai/fabriq/pkg/adapters/httpprovider"
	"github.com/fabriq-ai/fabriq/pkg/channels/gochannel"
	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/persistence/memory"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

type countingLimiter struct {
	acquired int
	released int
}

func (l *countingLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	l.acquired++

	return true, nil
}

func (l *countingLimiter) Release(ctx context.Context, key string) error {
	l.released++

	return nil
}

func newDispatcher(t *testing.T, store persistence.Persistence, providerURL string, limiter *countingLimiter) *Dispatcher {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	logger := slog.Default()
	reg := registry.NewRegistry(logger)
	reg.RegisterProviderAdapter(httpprovider.NewFactory(httpprovider.FactoryConfig{
		NodeType: "image.generate",
		Source:   "pixelforge",
		BaseURL:  providerURL,
	}))

	aggregator := execution.NewAggregator(store, bus, logger)
	advancer := execution.NewAdvancer(store, bus, logger)

	return NewDispatcher(
		Config{WorkerID: "worker-test"},
		store, reg, aggregator, advancer, bus, limiter, logger,
	)
}

// A job re-delivered after lease expiry finds the task already processing
// with the first submission's external id. The duplicate submission must not
// overwrite that id, and its inflight slot must be released.
func TestDuplicateExternalSubmissionReleasesSlot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	now := time.Now().UTC()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"id": "ext-second", "status": "queued"}`)
	}))
	defer provider.Close()

	require.NoError(t, store.SaveWorkflow(ctx, &models.Workflow{
		ID:   "wf-1",
		Name: "single image",
		Nodes: []*models.WorkflowNode{
			{ID: "image", Type: "image.generate"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	require.NoError(t, store.CreateExecution(ctx, &models.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     models.ExecutionStatusRunning,
		StartedAt:  now,
	}))

	require.NoError(t, store.CreateNodeTasks(ctx, []*models.NodeTask{{
		ID:          "task-1",
		ExecutionID: "exec-1",
		NodeID:      "image",
		NodeType:    "image.generate",
		Status:      models.NodeTaskStatusPending,
		CreatedAt:   now,
	}}))

	moved, err := store.MarkNodeTaskQueued(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, moved)

	firstExternalID := "ext-first"
	moved, err = store.MarkNodeTaskProcessing(ctx, "task-1", &firstExternalID)
	require.NoError(t, err)
	require.True(t, moved)

	_, err = store.EnqueueJob(ctx, &models.QueueJob{
		TaskType:    models.TaskTypeNodeExecute,
		Payload:     []byte(`{"execution_id":"exec-1","node_task_id":"task-1"}`),
		MaxAttempts: models.DefaultMaxAttempts,
	})
	require.NoError(t, err)

	limiter := &countingLimiter{}
	d := newDispatcher(t, store, provider.URL, limiter)

	job, err := store.ClaimJob(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, d.HandleJob(ctx, job))

	// The first submission's id survives; the duplicate's slot is freed.
	task, err := store.NodeTaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTaskStatusProcessing, task.Status)
	require.NotNil(t, task.ExternalTaskID)
	assert.Equal(t, "ext-first", *task.ExternalTaskID)

	assert.Equal(t, 1, limiter.acquired)
	assert.Equal(t, 1, limiter.released)

	// The job is done; nothing is left to claim.
	job, err = store.ClaimJob(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}
