package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/task"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := NewQueue(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return q, mr
}

func setupTestQueueWithMockRepo(t *testing.T) (*Queue, *repository.MockTaskRepository) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	mockRepo := repository.NewMockTaskRepository()
	q, err := NewQueue(mr.Addr(), mockRepo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return q, mockRepo
}

func TestNewQueue_InvalidAddress(t *testing.T) {
	_, err := NewQueue("invalid:99999", nil)
	assert.Error(t, err)
}

func TestEnqueueAndDequeue(t *testing.T) {
	q, _ := setupTestQueue(t)

	original := task.NewTask("t", "echo", map[string]any{"key": "value"}, task.PriorityNormal)
	require.NoError(t, q.Enqueue(original))

	dequeued, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	assert.Equal(t, original.ID, dequeued.ID)
	assert.Equal(t, task.StatusRunning, dequeued.Status)
	assert.Equal(t, 1, dequeued.AttemptCount)
	assert.NotNil(t, dequeued.StartedAt)
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q, _ := setupTestQueue(t)

	dequeued, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, dequeued)
}

func TestDequeue_FIFOWithinLane(t *testing.T) {
	q, _ := setupTestQueue(t)

	first := task.NewTask("first", "echo", nil, task.PriorityNormal)
	second := task.NewTask("second", "echo", nil, task.PriorityNormal)
	third := task.NewTask("third", "echo", nil, task.PriorityNormal)

	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))
	require.NoError(t, q.Enqueue(third))

	for _, want := range []string{"first", "second", "third"} {
		got, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Name)
	}
}

func TestDequeue_LaneOrder(t *testing.T) {
	q, _ := setupTestQueue(t)

	low := task.NewTask("low", "echo", nil, task.PriorityLow)
	normal := task.NewTask("normal", "echo", nil, task.PriorityNormal)
	high := task.NewTask("high", "echo", nil, task.PriorityHigh)
	critical := task.NewTask("critical", "echo", nil, task.PriorityCritical)

	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(normal))
	require.NoError(t, q.Enqueue(critical))
	require.NoError(t, q.Enqueue(high))

	for _, want := range []string{"critical", "high", "normal", "low"} {
		got, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Name)
	}
}

func TestDequeue_CustomLaneOrder(t *testing.T) {
	q, _ := setupTestQueue(t)

	low := task.NewTask("low", "echo", nil, task.PriorityLow)
	critical := task.NewTask("critical", "echo", nil, task.PriorityCritical)

	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(critical))

	got, err := q.Dequeue(task.LaneLow, task.LaneCritical, task.LaneHigh, task.LaneDefault)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "low", got.Name)
}

func TestDequeue_MutualExclusion(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("only", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	var mu sync.Mutex
	var winners []*task.Task
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Dequeue()
			if err == nil && got != nil {
				mu.Lock()
				winners = append(winners, got)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one worker may obtain the task")
	assert.Equal(t, tsk.ID, winners[0].ID)
}

func TestCommitSuccess(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	running, err := q.Dequeue()
	require.NoError(t, err)

	committed, err := q.CommitSuccess(running.ID, map[string]any{"ok": true})
	require.NoError(t, err)

	assert.Equal(t, task.StatusSuccess, committed.Status)
	assert.NotNil(t, committed.CompletedAt)
	assert.Equal(t, true, committed.Result["ok"])
	assert.True(t, !committed.CompletedAt.Before(*committed.StartedAt))
}

func TestCommitSuccess_RequiresRunning(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.CommitSuccess(tsk.ID, nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCommitFailure(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.Dequeue()
	require.NoError(t, err)

	committed, err := q.CommitFailure(tsk.ID, "boom")
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailure, committed.Status)
	assert.Equal(t, "boom", committed.ErrorMessage)
	assert.NotNil(t, committed.CompletedAt)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.Dequeue()
	require.NoError(t, err)
	_, err = q.CommitSuccess(tsk.ID, nil)
	require.NoError(t, err)

	_, err = q.CommitFailure(tsk.ID, "late failure")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = q.Revoke(tsk.ID)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := q.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
}

func TestRevoke_PendingTask(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	revoked, err := q.Revoke(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRevoked, revoked.Status)

	// The lane entry is dropped at dequeue time, never executed.
	dequeued, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, dequeued)

	got, err := q.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRevoked, got.Status)
}

func TestRevoke_WinsOverLateSuccess(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	running, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, running.Status)

	_, err = q.Revoke(tsk.ID)
	require.NoError(t, err)

	// The worker finishes afterwards; its commit must be discarded.
	_, err = q.CommitSuccess(tsk.ID, map[string]any{"ok": true})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := q.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRevoked, got.Status)
	assert.Nil(t, got.Result)
}

func TestRevoke_NotFound(t *testing.T) {
	q, _ := setupTestQueue(t)

	_, err := q.Revoke("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueForRetry(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityHigh)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.Dequeue()
	require.NoError(t, err)

	requeued, err := q.RequeueForRetry(tsk.ID, "transient", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.AttemptCount, "attempt counter survives the retry")
	assert.Nil(t, requeued.StartedAt)

	// Not visible until the delay elapses.
	immediate, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, immediate)

	time.Sleep(10 * time.Millisecond)

	retried, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, tsk.ID, retried.ID)
	assert.Equal(t, task.LaneHigh, retried.Queue, "retries return to the original lane")
	assert.Equal(t, 2, retried.AttemptCount)
}

func TestRevoke_RemovesScheduledRetry(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.Dequeue()
	require.NoError(t, err)
	_, err = q.RequeueForRetry(tsk.ID, "transient", time.Millisecond)
	require.NoError(t, err)

	_, err = q.Revoke(tsk.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	dequeued, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, dequeued, "a revoked task must not be resurrected by its pending retry")
}

func TestEnqueueAfter(t *testing.T) {
	q, _ := setupTestQueue(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.EnqueueAfter(tsk, 5*time.Millisecond))

	immediate, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, immediate)

	time.Sleep(10 * time.Millisecond)

	due, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, tsk.ID, due.ID)
}

func TestGetTask_NotFound(t *testing.T) {
	q, _ := setupTestQueue(t)

	_, err := q.GetTask("non-existent-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAllTasks(t *testing.T) {
	q, _ := setupTestQueue(t)

	require.NoError(t, q.Enqueue(task.NewTask("a", "echo", nil, task.PriorityNormal)))
	require.NoError(t, q.Enqueue(task.NewTask("b", "echo", nil, task.PriorityHigh)))
	require.NoError(t, q.Enqueue(task.NewTask("c", "echo", nil, task.PriorityLow)))

	tasks, err := q.GetAllTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestLaneDepths(t *testing.T) {
	q, _ := setupTestQueue(t)

	require.NoError(t, q.Enqueue(task.NewTask("a", "echo", nil, task.PriorityCritical)))
	require.NoError(t, q.Enqueue(task.NewTask("b", "echo", nil, task.PriorityCritical)))
	require.NoError(t, q.Enqueue(task.NewTask("c", "echo", nil, task.PriorityLow)))

	depths, err := q.LaneDepths()
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths[task.LaneCritical])
	assert.Equal(t, int64(0), depths[task.LaneHigh])
	assert.Equal(t, int64(0), depths[task.LaneDefault])
	assert.Equal(t, int64(1), depths[task.LaneLow])
}

func TestEnqueueWithRepository(t *testing.T) {
	q, mockRepo := setupTestQueueWithMockRepo(t)

	tsk := task.NewTask("t", "echo", map[string]any{"key": "value"}, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	assert.Equal(t, 1, mockRepo.SaveTaskCallCount())
	assert.True(t, mockRepo.WasTaskSaved(tsk.ID))

	status, exists := mockRepo.GetTaskStatus(tsk.ID)
	assert.True(t, exists)
	assert.Equal(t, task.StatusPending, status)
}

func TestDequeueWithRepository(t *testing.T) {
	q, mockRepo := setupTestQueueWithMockRepo(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	dequeued, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	require.Len(t, mockRepo.UpdateTaskStatusCalls, 1)
	assert.Equal(t, task.StatusRunning, mockRepo.UpdateTaskStatusCalls[0].Status)
}

func TestCommitSuccessWithRepository(t *testing.T) {
	q, mockRepo := setupTestQueueWithMockRepo(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.Dequeue()
	require.NoError(t, err)
	_, err = q.CommitSuccess(tsk.ID, nil)
	require.NoError(t, err)

	require.Len(t, mockRepo.CompleteTaskCalls, 1)
	assert.Equal(t, tsk.ID, mockRepo.CompleteTaskCalls[0].TaskID)
}

func TestCommitFailureWithRepository(t *testing.T) {
	q, mockRepo := setupTestQueueWithMockRepo(t)

	tsk := task.NewTask("t", "echo", nil, task.PriorityNormal)
	require.NoError(t, q.Enqueue(tsk))

	_, err := q.Dequeue()
	require.NoError(t, err)
	_, err = q.CommitFailure(tsk.ID, "connection timeout")
	require.NoError(t, err)

	require.Len(t, mockRepo.FailTaskCalls, 1)
	assert.Equal(t, "connection timeout", mockRepo.FailTaskCalls[0].Reason)
}
