package sweep

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
	"github.com/fabriq-ai/fabriq/pkg/poller"
	"github.com/fabriq-ai/fabriq/pkg/reconciler"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

func seedStuckTask(t *testing.T, store persistence.Persistence, externalID string) {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC()

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

	moved, err = store.MarkNodeTaskProcessing(ctx, "task-1", &externalID)
	require.NoError(t, err)
	require.True(t, moved)
}

func newSweeper(t *testing.T, store persistence.Persistence, providerURL string, config Config) *Sweeper {
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
	rec := reconciler.NewReconciler(store, reg, aggregator, advancer, bus, nil, logger)
	pol := poller.NewPoller(poller.Config{Interval: time.Minute, MinAge: time.Nanosecond}, store, reg, rec, logger)

	return NewSweeper(config, store, pol, rec, logger)
}

func TestSweepRepollsStuckTask(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	// The provider finished long ago but its webhook never arrived.
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"status": "done", "output": {"url": "https://cdn/img.png"}}`)
	}))
	defer provider.Close()

	seedStuckTask(t, store, "ext-1")
	time.Sleep(5 * time.Millisecond)

	s := newSweeper(t, store, provider.URL, Config{Grace: time.Nanosecond, Ceiling: time.Hour})
	require.NoError(t, s.Sweep(ctx))

	task, err := store.NodeTaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTaskStatusCompleted, task.Status)

	exec, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 100, exec.Progress)
}

func TestSweepForceCompletesPastCeiling(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	// The provider still claims the task is running; past the ceiling the
	// sweep settles it anyway.
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"status": "rendering"}`)
	}))
	defer provider.Close()

	seedStuckTask(t, store, "ext-1")
	time.Sleep(5 * time.Millisecond)

	s := newSweeper(t, store, provider.URL, Config{Grace: time.Nanosecond, Ceiling: 2 * time.Nanosecond})
	require.NoError(t, s.Sweep(ctx))

	task, err := store.NodeTaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTaskStatusCompleted, task.Status)
	assert.Equal(t, true, task.OutputData["forced"])

	exec, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
}

func TestSweepPastCeilingPrefersProviderAnswer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	// The provider finished; even past the ceiling the real answer wins over
	// a synthetic one.
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"status": "done", "output": {"url": "https://cdn/img.png"}}`)
	}))
	defer provider.Close()

	seedStuckTask(t, store, "ext-1")
	time.Sleep(5 * time.Millisecond)

	s := newSweeper(t, store, provider.URL, Config{Grace: time.Nanosecond, Ceiling: 2 * time.Nanosecond})
	require.NoError(t, s.Sweep(ctx))

	task, err := store.NodeTaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTaskStatusCompleted, task.Status)
	assert.Equal(t, "https://cdn/img.png", task.OutputData["url"])
	assert.NotContains(t, task.OutputData, "forced")
}

func TestRetentionPurgesByStatusWindows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	now := time.Now().UTC()

	seed := func(id string, status models.ExecutionStatus) {
		require.NoError(t, store.CreateExecution(ctx, &models.WorkflowExecution{
			ID:         id,
			WorkflowID: "wf-1",
			Status:     models.ExecutionStatusRunning,
			StartedAt:  now.Add(-30 * 24 * time.Hour),
		}))

		won, err := store.TransitionExecutionStatus(ctx, id,
			[]models.ExecutionStatus{models.ExecutionStatusRunning}, status, "")
		require.NoError(t, err)
		require.True(t, won)
	}

	seed("exec-cancelled", models.ExecutionStatusCancelled)
	seed("exec-failed", models.ExecutionStatusFailed)
	seed("exec-completed", models.ExecutionStatusCompleted)

	// Zero-value config falls back to defaults, all far larger than the
	// seconds these records have existed: nothing is purged.
	retention := NewRetention(RetentionConfig{}, store, slog.Default())
	retention.Purge(ctx)

	for _, id := range []string{"exec-cancelled", "exec-failed", "exec-completed"} {
		_, err := store.ExecutionByID(ctx, id)
		assert.NoError(t, err, "execution %s should survive default windows", id)
	}

	// Nanosecond windows expire everything terminal.
	retention = NewRetention(RetentionConfig{
		Cancelled: time.Nanosecond,
		Failed:    time.Nanosecond,
		Completed: time.Nanosecond,
		Jobs:      time.Nanosecond,
		Webhooks:  time.Nanosecond,
	}, store, slog.Default())
	time.Sleep(5 * time.Millisecond)
	retention.Purge(ctx)

	for _, id := range []string{"exec-cancelled", "exec-failed", "exec-completed"} {
		_, err := store.ExecutionByID(ctx, id)
		assert.ErrorIs(t, err, persistence.ErrExecutionNotFound, "execution %s should be purged", id)
	}
}
