package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriq-ai/fabriq/pkg/models"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
)

var _ persistence.Persistence = (*Persistence)(nil)

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	lowID, err := store.EnqueueJob(ctx, &models.QueueJob{TaskType: models.TaskTypeNodeExecute, Priority: 0})
	require.NoError(t, err)

	highID, err := store.EnqueueJob(ctx, &models.QueueJob{TaskType: models.TaskTypeNodeExecute, Priority: 5})
	require.NoError(t, err)

	samePriorityID, err := store.EnqueueJob(ctx, &models.QueueJob{TaskType: models.TaskTypeNodeExecute, Priority: 0})
	require.NoError(t, err)

	first, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, highID, first.ID, "highest priority should be dequeued first")

	second, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, lowID, second.ID, "equal priority should dequeue FIFO by id")

	third, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, samePriorityID, third.ID)

	empty, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestClaimLeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	const jobs = 20

	for range jobs {
		_, err := store.EnqueueJob(ctx, &models.QueueJob{TaskType: models.TaskTypeNodeExecute})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)

	for _, workerID := range []string{"worker-a", "worker-b", "worker-c", "worker-d"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				job, err := store.ClaimJob(ctx, workerID, time.Minute)
				require.NoError(t, err)

				if job == nil {
					return
				}

				mu.Lock()
				previous, dup := claimed[job.ID]
				claimed[job.ID] = workerID
				mu.Unlock()

				assert.False(t, dup, "job %d claimed by both %s and %s", job.ID, previous, workerID)
			}
		}()
	}

	wg.Wait()
	assert.Len(t, claimed, jobs)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	_, err := store.EnqueueJob(ctx, &models.QueueJob{TaskType: models.TaskTypeNodeExecute})
	require.NoError(t, err)

	job, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Unexpired lease: nothing claimable.
	blocked, err := store.ClaimJob(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Zero lease duration makes the existing lease immediately expired.
	reclaimed, err := store.ClaimJob(ctx, "worker-2", 0)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, "worker-2", *reclaimed.LockedBy)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestFailJobRetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	jobID, err := store.EnqueueJob(ctx, &models.QueueJob{TaskType: models.TaskTypeNodeExecute, MaxAttempts: 2})
	require.NoError(t, err)

	_, err = store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	status, err := store.FailJob(ctx, jobID, "provider timeout")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusPending, status, "first failure should retry")

	_, err = store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	status, err = store.FailJob(ctx, jobID, "provider timeout")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusFailed, status, "exhausted attempts should be terminal")

	// Terminal failed never goes back to pending.
	none, err := store.ClaimJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFinalizeNodeTaskIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	task := &models.NodeTask{
		ID:          "task-1",
		ExecutionID: "exec-1",
		NodeID:      "n1",
		NodeType:    "image.generate",
		Status:      models.NodeTaskStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateNodeTasks(ctx, []*models.NodeTask{task}))

	ok, err := store.MarkNodeTaskQueued(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	externalID := "ext-1"
	ok, err = store.MarkNodeTaskProcessing(ctx, task.ID, &externalID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.FinalizeNodeTask(ctx, task.ID, models.NodeTaskStatusCompleted, map[string]any{"url": "https://cdn/img.png"}, "")
	require.NoError(t, err)
	assert.True(t, ok, "first finalize should win")

	ok, err = store.FinalizeNodeTask(ctx, task.ID, models.NodeTaskStatusCompleted, map[string]any{"url": "other"}, "")
	require.NoError(t, err)
	assert.False(t, ok, "second finalize should be a no-op")

	stored, err := store.NodeTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeTaskStatusCompleted, stored.Status)
	assert.Equal(t, "https://cdn/img.png", stored.OutputData["url"])
}

func TestTransitionExecutionStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	execution := &models.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     models.ExecutionStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateExecution(ctx, execution))

	running := []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}

	won, err := store.TransitionExecutionStatus(ctx, execution.ID, running, models.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, won)

	again, err := store.TransitionExecutionStatus(ctx, execution.ID, running, models.ExecutionStatusFailed, "late failure")
	require.NoError(t, err)
	assert.False(t, again, "terminal status must not be overwritten")

	stored, err := store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestExecutionRetentionCascades(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	execution := &models.WorkflowExecution{
		ID:         "exec-old",
		WorkflowID: "wf-1",
		Status:     models.ExecutionStatusRunning,
		StartedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateExecution(ctx, execution))
	require.NoError(t, store.CreateNodeTasks(ctx, []*models.NodeTask{
		{ID: "task-old", ExecutionID: "exec-old", NodeID: "n1", NodeType: "text.template", Status: models.NodeTaskStatusCompleted},
	}))

	won, err := store.TransitionExecutionStatus(ctx, "exec-old",
		[]models.ExecutionStatus{models.ExecutionStatusRunning}, models.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	require.True(t, won)

	deleted, err := store.DeleteExecutionsOlderThan(ctx, models.ExecutionStatusCompleted, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.NodeTaskByID(ctx, "task-old")
	assert.ErrorIs(t, err, persistence.ErrNodeTaskNotFound)
}
