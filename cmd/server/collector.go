package main

import (
	"time"

	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/internal/metrics"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/task"
)

func startMetricsCollector(q *queue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		updateQueueMetrics(q)
	}
}

func updateQueueMetrics(q *queue.Queue) {
	logger := log.GetLogger()

	tasks, err := q.GetAllTasks()
	if err != nil {
		logger.Errorf("failed to get tasks for metrics: %v", err)
		return
	}

	byStatus := make(map[task.Status]map[string]int)
	for _, t := range tasks {
		if byStatus[t.Status] == nil {
			byStatus[t.Status] = make(map[string]int)
		}
		byStatus[t.Status][t.Type]++
	}
	metrics.UpdateTaskGauges(byStatus)

	depths, err := q.LaneDepths()
	if err == nil {
		for lane, depth := range depths {
			metrics.UpdateLaneDepth(lane, depth)
		}
	}

	dlqDepth, err := q.DeadLetterDepth()
	if err == nil {
		metrics.UpdateDeadLetterDepth(dlqDepth)
	}
}
