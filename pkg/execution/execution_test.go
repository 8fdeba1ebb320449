package execution

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriq-ai/fabriq/pkg/channels/gochannel"
	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/persistence/memory"
)

type fixture struct {
	store      persistence.Persistence
	aggregator *Aggregator
	advancer   *Advancer
	starter    *Starter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	store := memory.NewPersistence()
	logger := slog.Default()
	advancer := NewAdvancer(store, bus, logger)

	return &fixture{
		store:      store,
		aggregator: NewAggregator(store, bus, logger),
		advancer:   advancer,
		starter:    NewStarter(store, bus, advancer, logger),
	}
}

func saveChainWorkflow(t *testing.T, store persistence.Persistence, optionalMiddle bool) {
	t.Helper()

	workflow := &models.Workflow{
		ID:   "wf-1",
		Name: "render pipeline",
		Nodes: []*models.WorkflowNode{
			{ID: "n1", Type: "text.template", Config: map[string]any{"template": "x"}},
			{ID: "n2", Type: "image.generate", DependsOn: []string{"n1"}, Optional: optionalMiddle},
			{ID: "n3", Type: "video.compose", DependsOn: []string{"n2"}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveWorkflow(context.Background(), workflow))
}

func taskByNode(t *testing.T, store persistence.Persistence, executionID, nodeID string) *models.NodeTask {
	t.Helper()

	tasks, err := store.NodeTasksByExecution(context.Background(), executionID)
	require.NoError(t, err)

	for _, task := range tasks {
		if task.NodeID == nodeID {
			return task
		}
	}

	t.Fatalf("no task for node %s", nodeID)

	return nil
}

func finalizeTask(t *testing.T, store persistence.Persistence, taskID string, to models.NodeTaskStatus, errorMessage string) {
	t.Helper()

	ctx := context.Background()

	_, err := store.MarkNodeTaskProcessing(ctx, taskID, nil)
	require.NoError(t, err)

	won, err := store.FinalizeNodeTask(ctx, taskID, to, map[string]any{"ok": to == models.NodeTaskStatusCompleted}, errorMessage)
	require.NoError(t, err)
	require.True(t, won)
}

func TestStartQueuesOnlyRoots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	saveChainWorkflow(t, f.store, false)

	execution, err := f.starter.Start(ctx, "wf-1", map[string]any{"subject": "fox"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)

	assert.Equal(t, models.NodeTaskStatusQueued, taskByNode(t, f.store, execution.ID, "n1").Status)
	assert.Equal(t, models.NodeTaskStatusPending, taskByNode(t, f.store, execution.ID, "n2").Status)
	assert.Equal(t, models.NodeTaskStatusPending, taskByNode(t, f.store, execution.ID, "n3").Status)

	job, err := f.store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job, "root node should have a queue job")

	none, err := f.store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "non-root nodes must not be queued yet")
}

func TestAdvanceQueuesDownstreamAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	saveChainWorkflow(t, f.store, false)

	execution, err := f.starter.Start(ctx, "wf-1", nil)
	require.NoError(t, err)

	n1 := taskByNode(t, f.store, execution.ID, "n1")
	finalizeTask(t, f.store, n1.ID, models.NodeTaskStatusCompleted, "")

	require.NoError(t, f.advancer.Advance(ctx, execution.ID))

	assert.Equal(t, models.NodeTaskStatusQueued, taskByNode(t, f.store, execution.ID, "n2").Status)
	assert.Equal(t, models.NodeTaskStatusPending, taskByNode(t, f.store, execution.ID, "n3").Status)
}

func TestRecomputeProgressAndCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	saveChainWorkflow(t, f.store, false)

	execution, err := f.starter.Start(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.aggregator.EnsureRunning(ctx, execution.ID))

	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n1").ID, models.NodeTaskStatusCompleted, "")
	require.NoError(t, f.aggregator.Recompute(ctx, execution.ID))

	stored, err := f.store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, stored.Progress)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)

	require.NoError(t, f.advancer.Advance(ctx, execution.ID))
	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n2").ID, models.NodeTaskStatusCompleted, "")
	require.NoError(t, f.advancer.Advance(ctx, execution.ID))
	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n3").ID, models.NodeTaskStatusCompleted, "")
	require.NoError(t, f.aggregator.Recompute(ctx, execution.ID))

	stored, err = f.store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestFatalFailureFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	saveChainWorkflow(t, f.store, false)

	execution, err := f.starter.Start(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.aggregator.EnsureRunning(ctx, execution.ID))

	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n1").ID, models.NodeTaskStatusFailed, "render exploded")
	require.NoError(t, f.aggregator.Recompute(ctx, execution.ID))

	stored, err := f.store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "render exploded", stored.Error)

	// Terminal status is settled once: a later recompute must not flip it.
	require.NoError(t, f.aggregator.Recompute(ctx, execution.ID))

	stored, err = f.store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
}

func TestOptionalFailurePassesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	saveChainWorkflow(t, f.store, true)

	execution, err := f.starter.Start(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.aggregator.EnsureRunning(ctx, execution.ID))

	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n1").ID, models.NodeTaskStatusCompleted, "")
	require.NoError(t, f.advancer.Advance(ctx, execution.ID))

	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n2").ID, models.NodeTaskStatusFailed, "provider rejected")
	require.NoError(t, f.aggregator.Recompute(ctx, execution.ID))
	require.NoError(t, f.advancer.Advance(ctx, execution.ID))

	stored, err := f.store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status, "optional failure must not fail the execution")

	assert.Equal(t, models.NodeTaskStatusQueued, taskByNode(t, f.store, execution.ID, "n3").Status,
		"downstream of a failed optional node proceeds with a null placeholder")
}

func TestOptionalDownstreamOfFailureIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	workflow := &models.Workflow{
		ID:   "wf-2",
		Name: "branching pipeline",
		Nodes: []*models.WorkflowNode{
			{ID: "n1", Type: "image.generate", Optional: true},
			{ID: "n2", Type: "image.upscale", DependsOn: []string{"n1"}, Optional: true},
			{ID: "n3", Type: "video.compose", DependsOn: []string{"n2"}, Optional: true},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveWorkflow(ctx, workflow))

	execution, err := f.starter.Start(ctx, "wf-2", nil)
	require.NoError(t, err)
	require.NoError(t, f.aggregator.EnsureRunning(ctx, execution.ID))

	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n1").ID, models.NodeTaskStatusFailed, "quota exceeded")
	require.NoError(t, f.advancer.Advance(ctx, execution.ID))

	// Skips cascade: n2 is skipped because n1 failed, n3 because n2 skipped.
	assert.Equal(t, models.NodeTaskStatusSkipped, taskByNode(t, f.store, execution.ID, "n2").Status)
	assert.Equal(t, models.NodeTaskStatusSkipped, taskByNode(t, f.store, execution.ID, "n3").Status)

	require.NoError(t, f.aggregator.Recompute(ctx, execution.ID))

	stored, err := f.store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status,
		"skipped counts as terminal success")
	assert.Equal(t, 100, stored.Progress)
}

func TestCancelSuppressesDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	saveChainWorkflow(t, f.store, false)

	execution, err := f.starter.Start(ctx, "wf-1", nil)
	require.NoError(t, err)

	won, err := f.starter.Cancel(ctx, execution.ID, "user requested", "admin")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = f.starter.Cancel(ctx, execution.ID, "again", "admin")
	require.NoError(t, err)
	assert.False(t, won, "cancel is idempotent")

	finalizeTask(t, f.store, taskByNode(t, f.store, execution.ID, "n1").ID, models.NodeTaskStatusCompleted, "")
	require.NoError(t, f.advancer.Advance(ctx, execution.ID))

	assert.Equal(t, models.NodeTaskStatusPending, taskByNode(t, f.store, execution.ID, "n2").Status,
		"cancelled executions must not dispatch further nodes")
}

func TestBuildInput(t *testing.T) {
	workflow := &models.Workflow{
		ID:        "wf-1",
		Variables: map[string]any{"style": "noir"},
		Nodes: []*models.WorkflowNode{
			{ID: "n1", Type: "text.template"},
			{ID: "n2", Type: "image.generate", DependsOn: []string{"n1"}},
		},
	}

	execution := &models.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Input:      map[string]any{"subject": "fox"},
	}

	byNode := map[string]*models.NodeTask{
		"n1": {
			NodeID:     "n1",
			Status:     models.NodeTaskStatusCompleted,
			OutputData: map[string]any{"prompt": "a noir fox"},
		},
	}

	node, ok := workflow.NodeByID("n2")
	require.True(t, ok)

	input := BuildInput(execution, workflow, node, byNode)

	assert.Equal(t, "fox", input["subject"])
	assert.Equal(t, map[string]any{"style": "noir"}, input["variables"])

	deps, ok := input["deps"].(map[string]any)
	require.True(t, ok)

	n1Output, ok := deps["n1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a noir fox", n1Output["prompt"])
}
