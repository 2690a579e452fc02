// Package repository provides PostgreSQL persistence for task, execution and
// webhook delivery history.
package repository

import (
	"context"
	"time"

	"github.com/taskmill/taskmill/internal/task"
)

// TaskRepository mirrors queue-state changes into durable history. The hot
// path never depends on it: failures are logged and swallowed by callers.
type TaskRepository interface {
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status task.Status) error
	CompleteTask(ctx context.Context, taskID string, durationMs int) error
	FailTask(ctx context.Context, taskID string, reason string, durationMs int) error
	MoveToDeadLetter(ctx context.Context, taskID string, reason string) error
	LogExecution(ctx context.Context, taskID string, attempt int, status string, durationMs int, errMsg string, workerID string) error
	LogWebhookDelivery(ctx context.Context, taskID, deliveryID, event, status string, attempt, responseCode int, errMsg string) error
	GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]RecentTask, error)
	Close() error
}

type TaskStats struct {
	Type          string  `json:"task_type"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	MinDurationMs int     `json:"min_duration_ms"`
	AvgAttempts   float64 `json:"avg_attempts"`
}

type RecentTask struct {
	TaskID       string     `json:"task_id"`
	Name         string     `json:"name"`
	Type         string     `json:"task_type"`
	Queue        string     `json:"queue"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int       `json:"duration_ms,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
