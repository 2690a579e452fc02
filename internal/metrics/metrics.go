// Package metrics provides Prometheus metrics for monitoring the task engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/taskmill/taskmill/internal/task"
)

var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type", "priority"},
	)
	TasksSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully",
		},
		[]string{"type"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_tasks_failed_total",
			Help: "Total number of tasks that failed terminally",
		},
		[]string{"type"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"type"},
	)
	TasksRevoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_tasks_revoked_total",
			Help: "Total number of tasks revoked",
		},
		[]string{"type"},
	)
	TasksDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead letter store",
		},
		[]string{"type"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmill_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type", "status"},
	)
	TaskWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmill_task_wait_time_seconds",
			Help:    "Time tasks spend waiting in their lane before execution",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"type", "priority"},
	)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"event", "outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmill_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	LaneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmill_lane_depth",
			Help: "Current number of queued tasks per lane",
		},
		[]string{"lane"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmill_tasks_by_status",
			Help: "Current number of tasks by status and type",
		},
		[]string{"status", "type"},
	)
	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmill_dead_letter_depth",
			Help: "Current number of live dead letter entries",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmill_workers_active",
			Help: "Number of currently active workers",
		},
	)
)

func RecordTaskEnqueued(taskType string, priority task.Priority) {
	TasksEnqueued.WithLabelValues(taskType, priority.String()).Inc()
}

func RecordTaskSucceeded(taskType string, duration time.Duration) {
	TasksSucceeded.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType, "success").Observe(duration.Seconds())
}

func RecordTaskFailed(taskType string, duration time.Duration) {
	TasksFailed.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType, "failure").Observe(duration.Seconds())
}

func RecordTaskRetried(taskType string) {
	TasksRetried.WithLabelValues(taskType).Inc()
}

func RecordTaskRevoked(taskType string) {
	TasksRevoked.WithLabelValues(taskType).Inc()
}

func RecordTaskDeadLettered(taskType string) {
	TasksDeadLettered.WithLabelValues(taskType).Inc()
}

func RecordTaskWaitTime(taskType string, priority task.Priority, waitTime time.Duration) {
	TaskWaitTime.WithLabelValues(taskType, priority.String()).Observe(waitTime.Seconds())
}

func RecordWebhookAttempt(event, outcome string) {
	WebhookDeliveries.WithLabelValues(event, outcome).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func UpdateLaneDepth(lane task.Lane, depth int64) {
	LaneDepth.WithLabelValues(string(lane)).Set(float64(depth))
}

func UpdateTaskGauges(tasksByStatus map[task.Status]map[string]int) {
	TasksByStatus.Reset()
	for status, typeMap := range tasksByStatus {
		for taskType, count := range typeMap {
			TasksByStatus.WithLabelValues(string(status), taskType).Set(float64(count))
		}
	}
}

func UpdateDeadLetterDepth(depth int64) {
	DeadLetterDepth.Set(float64(depth))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}
