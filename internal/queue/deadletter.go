package queue

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/taskmill/taskmill/internal/metrics"
	"github.com/taskmill/taskmill/internal/task"
)

const (
	dlqEntriesKey = "dlq:entries"
	dlqByTaskKey  = "dlq:by_task"
)

// DeadLetterEntry indexes one terminally failed task. The task record stays
// the owner of truth; the entry snapshots the failure context at time of death.
type DeadLetterEntry struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	TaskName      string         `json:"task_name"`
	TaskType      string         `json:"task_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	ErrorMessage  string         `json:"error_message"`
	AttemptCount  int            `json:"attempt_count"`
	CreatedAt     time.Time      `json:"created_at"`
	Reprocessed   bool           `json:"reprocessed"`
	ReprocessedAt *time.Time     `json:"reprocessed_at,omitempty"`
}

// RecordDeadLetter creates a dead letter entry for a terminally failed task.
// Idempotent while a live entry for the task exists: repeated calls return
// the existing entry.
func (q *Queue) RecordDeadLetter(t *task.Task, reason string) (*DeadLetterEntry, error) {
	if existingID, err := q.client.HGet(q.ctx, dlqByTaskKey, t.ID).Result(); err == nil {
		return q.GetDeadLetter(existingID)
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	entry := &DeadLetterEntry{
		ID:           uuid.New().String(),
		TaskID:       t.ID,
		TaskName:     t.Name,
		TaskType:     t.Type,
		Payload:      t.Payload,
		ErrorMessage: reason,
		AttemptCount: t.AttemptCount,
		CreatedAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if err := q.client.HSet(q.ctx, dlqEntriesKey, entry.ID, data).Err(); err != nil {
		return nil, err
	}
	if err := q.client.HSet(q.ctx, dlqByTaskKey, t.ID, entry.ID).Err(); err != nil {
		return nil, err
	}

	if q.repo != nil {
		_ = q.repo.MoveToDeadLetter(q.ctx, t.ID, reason)
	}
	metrics.RecordTaskDeadLettered(t.Type)

	return entry, nil
}

func (q *Queue) GetDeadLetter(id string) (*DeadLetterEntry, error) {
	raw, err := q.client.HGet(q.ctx, dlqEntriesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// DeadLetterFilter narrows a dead letter listing. The zero value matches
// every entry.
type DeadLetterFilter struct {
	TaskType    string
	Reprocessed *bool
}

func (f DeadLetterFilter) matches(entry *DeadLetterEntry) bool {
	if f.TaskType != "" && entry.TaskType != f.TaskType {
		return false
	}
	if f.Reprocessed != nil && entry.Reprocessed != *f.Reprocessed {
		return false
	}

	return true
}

// DeadLetters lists entries matching the filter, newest first.
func (q *Queue) DeadLetters(filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	raw, err := q.client.HGetAll(q.ctx, dlqEntriesKey).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*DeadLetterEntry, 0, len(raw))
	for _, data := range raw {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if !filter.matches(&entry) {
			continue
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	return entries, nil
}

// DeadLetterDepth counts live (not yet reprocessed) entries.
func (q *Queue) DeadLetterDepth() (int64, error) {
	return q.client.HLen(q.ctx, dlqByTaskKey).Result()
}

// ReprocessDeadLetter resets the referenced task to a fresh attempt lineage
// (pending, attempt counter zeroed, error cleared) and re-submits it to its
// original lane. The entry is marked reprocessed and its live index removed,
// so a second terminal failure records a fresh entry.
func (q *Queue) ReprocessDeadLetter(id string) (*task.Task, error) {
	entry, err := q.GetDeadLetter(id)
	if err != nil {
		return nil, err
	}
	if entry.Reprocessed {
		return nil, ErrConflict
	}

	t, err := q.commit(entry.TaskID, func(t *task.Task) error {
		if t.Status != task.StatusFailure {
			return ErrConflict
		}

		t.Status = task.StatusPending
		t.AttemptCount = 0
		t.ErrorMessage = ""
		t.Result = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ScheduledAt = time.Now().UTC()

		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry.Reprocessed = true
	entry.ReprocessedAt = &now

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := q.client.HSet(q.ctx, dlqEntriesKey, entry.ID, data).Err(); err != nil {
		return nil, err
	}
	if err := q.client.HDel(q.ctx, dlqByTaskKey, entry.TaskID).Err(); err != nil {
		return nil, err
	}

	if err := q.client.RPush(q.ctx, laneKey(t.Queue), t.ID).Err(); err != nil {
		return nil, err
	}
	if q.repo != nil {
		_ = q.repo.SaveTask(q.ctx, t)
	}

	return t, nil
}
