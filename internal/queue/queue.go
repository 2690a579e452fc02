// Package queue implements the priority lanes, task store, dead letter store
// and webhook delivery store on top of Redis.
//
// Tasks live under per-task keys so status commits can use WATCH-based
// compare-and-set with per-record granularity. Each lane is an independent
// Redis list (RPUSH tail, LPOP head) giving FIFO order within the lane.
// Retries wait in a sorted set scored by their due time and are promoted
// onto their lane when due.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/taskmill/taskmill/internal/metrics"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/task"
)

const (
	scheduledKey = "scheduled"
	taskKeyScan  = "task:*"

	// casRetries bounds optimistic retries when a WATCH race aborts a commit.
	casRetries = 10
)

func taskKey(id string) string {
	return "task:" + id
}

func laneKey(lane task.Lane) string {
	return "lane:" + string(lane)
}

type Queue struct {
	client *redis.Client
	ctx    context.Context
	repo   repository.TaskRepository
}

// NewQueue connects to Redis. The repository is optional; when present,
// task lifecycle changes are mirrored into durable history.
func NewQueue(redisAddr string, repo repository.TaskRepository) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{
		client: client,
		ctx:    ctx,
		repo:   repo,
	}, nil
}

// Enqueue persists the task record and appends it to the tail of its lane.
func (q *Queue) Enqueue(t *task.Task) error {
	data, err := t.ToJSON()
	if err != nil {
		return err
	}

	if err := q.client.Set(q.ctx, taskKey(t.ID), data, 0).Err(); err != nil {
		return err
	}
	if err := q.client.RPush(q.ctx, laneKey(t.Queue), t.ID).Err(); err != nil {
		return err
	}

	if q.repo != nil {
		_ = q.repo.SaveTask(q.ctx, t)
	}
	metrics.RecordTaskEnqueued(t.Type, t.Priority)

	return nil
}

// EnqueueAfter parks the task in the scheduled set; it is promoted onto its
// lane once the delay elapses.
func (q *Queue) EnqueueAfter(t *task.Task, delay time.Duration) error {
	t.ScheduledAt = time.Now().UTC().Add(delay)

	data, err := t.ToJSON()
	if err != nil {
		return err
	}
	if err := q.client.Set(q.ctx, taskKey(t.ID), data, 0).Err(); err != nil {
		return err
	}

	if q.repo != nil {
		_ = q.repo.SaveTask(q.ctx, t)
	}

	return q.client.ZAdd(q.ctx, scheduledKey, redis.Z{
		Score:  float64(t.ScheduledAt.UnixMilli()),
		Member: t.ID,
	}).Err()
}

// promoteDue moves scheduled tasks whose due time has passed onto their lanes.
func (q *Queue) promoteDue() {
	now := time.Now().UTC().UnixMilli()
	ids, err := q.client.ZRangeByScore(q.ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(q.ctx, scheduledKey, id).Result()
		if err != nil || removed == 0 {
			// Another worker promoted it first.
			continue
		}

		t, err := q.GetTask(id)
		if err != nil {
			continue
		}
		_ = q.client.RPush(q.ctx, laneKey(t.Queue), id).Err()
	}
}

// Dequeue pops the first available pending task, trying lanes in the given
// order, and atomically marks it running. No two callers can obtain the same
// task: the lane pop hands out each id once, and the pending->running
// compare-and-set rejects anything that already advanced (e.g. revoked).
func (q *Queue) Dequeue(laneOrder ...task.Lane) (*task.Task, error) {
	if len(laneOrder) == 0 {
		laneOrder = task.Lanes()
	}

	q.promoteDue()

	for _, lane := range laneOrder {
		for {
			id, err := q.client.LPop(q.ctx, laneKey(lane)).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return nil, err
			}

			t, err := q.markRunning(id)
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				// Revoked or gone while queued; drop and keep draining.
				continue
			}
			if err != nil {
				return nil, err
			}

			return t, nil
		}
	}

	return nil, nil
}

// markRunning performs the pending->running transition, stamping StartedAt
// and incrementing the attempt counter.
func (q *Queue) markRunning(id string) (*task.Task, error) {
	return q.commit(id, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return ErrConflict
		}

		now := time.Now().UTC()
		t.Status = task.StatusRunning
		t.StartedAt = &now
		t.AttemptCount++

		return nil
	}, func(t *task.Task) {
		if q.repo != nil {
			_ = q.repo.UpdateTaskStatus(q.ctx, t.ID, task.StatusRunning)
		}
	})
}

// CommitSuccess moves a running task to success. Returns ErrConflict if the
// task is no longer running (revoke wins over a late success).
func (q *Queue) CommitSuccess(id string, result map[string]any) (*task.Task, error) {
	return q.commit(id, func(t *task.Task) error {
		if t.Status != task.StatusRunning {
			return ErrConflict
		}

		now := time.Now().UTC()
		t.Status = task.StatusSuccess
		t.Result = result
		t.CompletedAt = &now

		return nil
	}, func(t *task.Task) {
		if q.repo != nil {
			_ = q.repo.CompleteTask(q.ctx, t.ID, durationMs(t))
		}
	})
}

// CommitFailure moves a running task to terminal failure.
func (q *Queue) CommitFailure(id string, errMsg string) (*task.Task, error) {
	return q.commit(id, func(t *task.Task) error {
		if t.Status != task.StatusRunning {
			return ErrConflict
		}

		now := time.Now().UTC()
		t.Status = task.StatusFailure
		t.ErrorMessage = errMsg
		t.CompletedAt = &now

		return nil
	}, func(t *task.Task) {
		if q.repo != nil {
			_ = q.repo.FailTask(q.ctx, t.ID, t.ErrorMessage, durationMs(t))
		}
	})
}

// RequeueForRetry returns a running task to pending and parks it in the
// scheduled set until the retry delay elapses. The attempt counter is
// preserved; it was already incremented when the attempt started.
func (q *Queue) RequeueForRetry(id string, errMsg string, delay time.Duration) (*task.Task, error) {
	due := time.Now().UTC().Add(delay)

	t, err := q.commit(id, func(t *task.Task) error {
		if t.Status != task.StatusRunning {
			return ErrConflict
		}

		t.Status = task.StatusPending
		t.ErrorMessage = errMsg
		t.StartedAt = nil
		t.ScheduledAt = due

		return nil
	}, func(t *task.Task) {
		if q.repo != nil {
			_ = q.repo.SaveTask(q.ctx, t)
		}
	})
	if err != nil {
		return nil, err
	}

	err = q.client.ZAdd(q.ctx, scheduledKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: t.ID,
	}).Err()

	return t, err
}

// Revoke cancels a pending or running task. Terminal states are sticky, so
// revoking an already finished task returns ErrConflict. A task revoked
// while running keeps executing until its handler returns, but the commit
// guard discards the late result.
func (q *Queue) Revoke(id string) (*task.Task, error) {
	t, err := q.commit(id, func(t *task.Task) error {
		if t.Status.IsTerminal() {
			return ErrConflict
		}

		now := time.Now().UTC()
		t.Status = task.StatusRevoked
		t.CompletedAt = &now

		return nil
	}, func(t *task.Task) {
		if q.repo != nil {
			_ = q.repo.UpdateTaskStatus(q.ctx, t.ID, task.StatusRevoked)
		}
	})
	if err != nil {
		return nil, err
	}

	// Drop any pending retry so the scheduled set cannot resurrect it.
	_ = q.client.ZRem(q.ctx, scheduledKey, id).Err()
	metrics.RecordTaskRevoked(t.Type)

	return t, nil
}

// commit runs an optimistic compare-and-set on one task record. The mutate
// callback inspects the current state and either rejects the transition with
// ErrConflict or applies it; onCommit runs once after the write succeeds.
func (q *Queue) commit(id string, mutate func(*task.Task) error, onCommit func(*task.Task)) (*task.Task, error) {
	var committed *task.Task

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(q.ctx, taskKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		t, err := task.FromJSON(raw)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}

		data, err := t.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(q.ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(q.ctx, taskKey(id), data, 0)
			return nil
		})
		if err != nil {
			return err
		}

		committed = t
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := q.client.Watch(q.ctx, txf, taskKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if onCommit != nil {
			onCommit(committed)
		}
		return committed, nil
	}

	return nil, ErrConflict
}

func (q *Queue) GetTask(id string) (*task.Task, error) {
	raw, err := q.client.Get(q.ctx, taskKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return task.FromJSON(raw)
}

func (q *Queue) GetAllTasks() ([]*task.Task, error) {
	keys, err := q.client.Keys(q.ctx, taskKeyScan).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(keys))
	for _, key := range keys {
		raw, err := q.client.Get(q.ctx, key).Result()
		if err != nil {
			continue
		}
		t, err := task.FromJSON(raw)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// LaneDepths returns the number of queued ids per lane.
func (q *Queue) LaneDepths() (map[task.Lane]int64, error) {
	depths := make(map[task.Lane]int64, 4)
	for _, lane := range task.Lanes() {
		n, err := q.client.LLen(q.ctx, laneKey(lane)).Result()
		if err != nil {
			return nil, err
		}
		depths[lane] = n
	}

	return depths, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func durationMs(t *task.Task) int {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}

	return int(t.CompletedAt.Sub(*t.StartedAt).Milliseconds())
}
