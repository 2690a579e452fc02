package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/taskmill/taskmill/internal/task"
)

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(connectionString string) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresTaskRepository{db: db}, nil
}

func (r *PostgresTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO task_history (
			task_id, name, task_type, payload, priority, queue, status,
			attempt_count, max_attempts, error_message, created_at,
			scheduled_at, tags, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			error_message = EXCLUDED.error_message,
			scheduled_at = EXCLUDED.scheduled_at
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Name,
		t.Type,
		payload,
		int(t.Priority),
		string(t.Queue),
		string(t.Status),
		t.AttemptCount,
		t.MaxAttempts,
		t.ErrorMessage,
		t.CreatedAt,
		t.ScheduledAt,
		tags,
		metadata,
	)

	return err
}

func (r *PostgresTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status) error {
	query := `
		UPDATE task_history
		SET status = $1,
		    started_at = CASE WHEN $1 = 'running' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'revoked' THEN NOW() ELSE completed_at END
		WHERE task_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, string(status), taskID)
	return err
}

func (r *PostgresTaskRepository) CompleteTask(ctx context.Context, taskID string, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'success',
		    completed_at = NOW(),
		    duration_ms = $1
		WHERE task_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'failure',
		    completed_at = NOW(),
		    error_message = $1,
		    duration_ms = $2
		WHERE task_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, reason, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) MoveToDeadLetter(ctx context.Context, taskID string, reason string) error {
	query := `
		UPDATE task_history
		SET error_message = $1,
		    dead_lettered_at = NOW()
		WHERE task_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, reason, taskID)

	return err
}

func (r *PostgresTaskRepository) LogExecution(ctx context.Context, taskID string, attempt int, status string, durationMs int, errMsg string, workerID string) error {
	query := `
		INSERT INTO task_execution_log (
			task_id, attempt_number, status, completed_at,
			duration_ms, error_message, worker_id
		) VALUES ($1, $2, $3, NOW(), $4, $5, $6)
	`

	var durationMsVal any
	if durationMs == 0 {
		durationMsVal = nil
	} else {
		durationMsVal = durationMs
	}

	var msgErrVal any
	if errMsg == "" {
		msgErrVal = nil
	} else {
		msgErrVal = errMsg
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		taskID,
		attempt,
		status,
		durationMsVal,
		msgErrVal,
		workerID,
	)

	return err
}

func (r *PostgresTaskRepository) LogWebhookDelivery(ctx context.Context, taskID, deliveryID, event, status string, attempt, responseCode int, errMsg string) error {
	query := `
		INSERT INTO webhook_delivery_log (
			task_id, delivery_id, event, status, attempt_number,
			response_code, error_message, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	var responseCodeVal any
	if responseCode == 0 {
		responseCodeVal = nil
	} else {
		responseCodeVal = responseCode
	}

	var msgErrVal any
	if errMsg == "" {
		msgErrVal = nil
	} else {
		msgErrVal = errMsg
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		taskID,
		deliveryID,
		event,
		status,
		attempt,
		responseCodeVal,
		msgErrVal,
	)

	return err
}

func (r *PostgresTaskRepository) GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error) {
	query := `
		SELECT task_type, status, COUNT(*) as count,
		       COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
		       COALESCE(MAX(duration_ms), 0) as max_duration_ms,
		       COALESCE(MIN(duration_ms), 0) as min_duration_ms,
		       COALESCE(AVG(attempt_count), 0) as avg_attempts
		FROM task_history
		WHERE created_at > NOW() - ($1 || ' hours')::interval
		GROUP BY task_type, status
		ORDER BY task_type, status
	`

	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to query task stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []TaskStats
	for rows.Next() {
		var s TaskStats
		if err := rows.Scan(&s.Type, &s.Status, &s.Count, &s.AvgDurationMs, &s.MaxDurationMs, &s.MinDurationMs, &s.AvgAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan task stats row: %w", err)
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]RecentTask, error) {
	query := `
		SELECT task_id, name, task_type, queue, status, created_at,
		       completed_at, duration_ms, attempt_count,
		       COALESCE(error_message, '') as error_message
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []RecentTask
	for rows.Next() {
		var rt RecentTask
		if err := rows.Scan(&rt.TaskID, &rt.Name, &rt.Type, &rt.Queue, &rt.Status, &rt.CreatedAt, &rt.CompletedAt, &rt.DurationMs, &rt.AttemptCount, &rt.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan recent task row: %w", err)
		}
		tasks = append(tasks, rt)
	}

	return tasks, rows.Err()
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}
