// Package worker provides the execution engine: a pool of workers that pull
// tasks from the priority lanes, run the registered handler for each task
// type and drive the task state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskmill/taskmill/internal/backoff"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/internal/metrics"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/registry"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/task"
	"github.com/taskmill/taskmill/internal/webhook"
)

const (
	DefaultTaskTimeout  = 60 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// laneSchedule is the weighted round-robin dispatch order: critical 8,
// high 4, default 2, low 1. Every lane is the first choice at least once per
// 15 slots, so sustained critical load cannot starve the low lane.
var laneSchedule = []task.Lane{
	task.LaneCritical, task.LaneHigh, task.LaneCritical, task.LaneDefault,
	task.LaneCritical, task.LaneHigh, task.LaneCritical, task.LaneLow,
	task.LaneCritical, task.LaneHigh, task.LaneCritical, task.LaneDefault,
	task.LaneCritical, task.LaneHigh, task.LaneCritical,
}

type Pool struct {
	id           string
	workers      int
	queue        *queue.Queue
	registry     *registry.Registry
	policy       *backoff.Policy
	dispatcher   *webhook.Dispatcher
	repo         repository.TaskRepository
	taskTimeout  time.Duration
	pollInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
}

func NewPool(id string, workers int, q *queue.Queue, reg *registry.Registry, policy *backoff.Policy) *Pool {
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		id:           id,
		workers:      workers,
		queue:        q,
		registry:     reg,
		policy:       policy,
		taskTimeout:  DefaultTaskTimeout,
		pollInterval: DefaultPollInterval,
		stop:         make(chan struct{}),
	}
}

func (p *Pool) SetDispatcher(d *webhook.Dispatcher) {
	p.dispatcher = d
}

func (p *Pool) SetRepository(repo repository.TaskRepository) {
	p.repo = repo
}

func (p *Pool) SetTaskTimeout(d time.Duration) {
	p.taskTimeout = d
}

func (p *Pool) SetPollInterval(d time.Duration) {
	p.pollInterval = d
}

func (p *Pool) Start() {
	log.GetLogger().Infof("pool %s starting %d workers", p.id, p.workers)
	metrics.UpdateActiveWorkers(p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		// Stagger the schedule offset so workers do not all hit the same
		// lane in lockstep.
		go p.run(workerID, i)
	}
}

// Stop signals all workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	metrics.UpdateActiveWorkers(0)
	log.GetLogger().Infof("pool %s stopped", p.id)
}

func (p *Pool) run(workerID string, slot int) {
	defer p.wg.Done()
	logger := log.GetLogger()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		t, err := p.queue.Dequeue(laneOrderAt(slot)...)
		slot++
		if err != nil {
			logger.Errorf("worker %s dequeue failed: %v", workerID, err)
			p.sleep()
			continue
		}
		if t == nil {
			p.sleep()
			continue
		}

		p.processTask(workerID, t)
	}
}

func (p *Pool) sleep() {
	select {
	case <-p.stop:
	case <-time.After(p.pollInterval):
	}
}

// laneOrderAt returns the lanes to try for the given schedule slot: the
// slot's primary lane first, then the remaining lanes in priority order.
func laneOrderAt(slot int) []task.Lane {
	primary := laneSchedule[slot%len(laneSchedule)]

	order := make([]task.Lane, 0, 4)
	order = append(order, primary)
	for _, lane := range task.Lanes() {
		if lane != primary {
			order = append(order, lane)
		}
	}

	return order
}

// processTask runs the handler for one attempt and commits the resulting
// state transition. The task is already marked running by Dequeue.
func (p *Pool) processTask(workerID string, t *task.Task) {
	logger := log.GetLogger()
	logger.Infof("worker %s processing task %s (type=%s attempt=%d/%d)", workerID, t.ID, t.Type, t.AttemptCount, t.MaxAttempts)

	if t.StartedAt != nil {
		metrics.RecordTaskWaitTime(t.Type, t.Priority, t.StartedAt.Sub(t.ScheduledAt))
	}

	result, err := p.runHandler(t)
	if err != nil {
		p.handleFailure(workerID, t, err)
		return
	}

	committed, commitErr := p.queue.CommitSuccess(t.ID, result)
	if errors.Is(commitErr, queue.ErrConflict) {
		// Revoked while running; the result is discarded.
		logger.Debugf("worker %s dropped success commit for task %s", workerID, t.ID)
		return
	}
	if commitErr != nil {
		logger.Errorf("worker %s failed to commit success for task %s: %v", workerID, t.ID, commitErr)
		return
	}

	duration := taskDuration(committed)
	metrics.RecordTaskSucceeded(t.Type, duration)
	p.logExecution(committed, string(task.StatusSuccess), duration, "", workerID)
	p.notify(committed, task.EventSucceeded)
	logger.Infof("task %s succeeded in %s", t.ID, duration)
}

// runHandler resolves and invokes the handler under the attempt timeout.
// Panics inside a handler are converted to errors so one bad task cannot
// take down the worker.
func (p *Pool) runHandler(t *task.Task) (map[string]any, error) {
	handler, err := p.registry.Resolve(t.Type)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()

		result, err := handler(ctx, t.Payload)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("handler timed out after %s", p.taskTimeout)
	}
}

func (p *Pool) handleFailure(workerID string, t *task.Task, handlerErr error) {
	logger := log.GetLogger()
	errMsg := handlerErr.Error()

	if t.AttemptCount < t.MaxAttempts {
		delay := p.policy.Delay(t.AttemptCount)
		committed, err := p.queue.RequeueForRetry(t.ID, errMsg, delay)
		if errors.Is(err, queue.ErrConflict) {
			logger.Debugf("worker %s dropped retry for task %s", workerID, t.ID)
			return
		}
		if err != nil {
			logger.Errorf("worker %s failed to requeue task %s: %v", workerID, t.ID, err)
			return
		}

		metrics.RecordTaskRetried(t.Type)
		p.logExecution(committed, "retry", 0, errMsg, workerID)
		logger.Warnf("task %s failed, retry %d/%d in %s: %v", t.ID, t.AttemptCount, t.MaxAttempts, delay, handlerErr)
		return
	}

	committed, err := p.queue.CommitFailure(t.ID, errMsg)
	if errors.Is(err, queue.ErrConflict) {
		logger.Debugf("worker %s dropped failure commit for task %s", workerID, t.ID)
		return
	}
	if err != nil {
		logger.Errorf("worker %s failed to commit failure for task %s: %v", workerID, t.ID, err)
		return
	}

	if _, err := p.queue.RecordDeadLetter(committed, errMsg); err != nil {
		logger.Errorf("failed to dead-letter task %s: %v", t.ID, err)
	}

	duration := taskDuration(committed)
	metrics.RecordTaskFailed(t.Type, duration)
	p.logExecution(committed, string(task.StatusFailure), duration, errMsg, workerID)
	p.notify(committed, task.EventFailed)
	logger.Errorf("task %s failed permanently after %d attempts: %v", t.ID, committed.AttemptCount, handlerErr)
}

// notify hands the webhook off asynchronously; the state transition is
// already committed and delivery outcomes never touch the task.
func (p *Pool) notify(t *task.Task, event string) {
	if p.dispatcher == nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.dispatcher.Notify(t, event); err != nil {
			log.GetLogger().Errorf("webhook dispatch failed for task %s: %v", t.ID, err)
		}
	}()
}

func (p *Pool) logExecution(t *task.Task, status string, duration time.Duration, errMsg, workerID string) {
	if p.repo == nil {
		return
	}

	if err := p.repo.LogExecution(context.Background(), t.ID, t.AttemptCount, status, int(duration.Milliseconds()), errMsg, workerID); err != nil {
		log.GetLogger().Errorf("failed to log execution for task %s: %v", t.ID, err)
	}
}

func taskDuration(t *task.Task) time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}

	return t.CompletedAt.Sub(*t.StartedAt)
}
