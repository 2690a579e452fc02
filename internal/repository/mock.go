package repository

import (
	"context"
	"sync"

	"github.com/taskmill/taskmill/internal/task"
)

// MockTaskRepository records calls for tests.
type MockTaskRepository struct {
	mu sync.Mutex

	SaveTaskCalls           []SaveTaskCall
	UpdateTaskStatusCalls   []UpdateTaskStatusCall
	CompleteTaskCalls       []CompleteTaskCall
	FailTaskCalls           []FailTaskCall
	MoveToDeadLetterCalls   []MoveToDeadLetterCall
	LogExecutionCalls       []LogExecutionCall
	LogWebhookDeliveryCalls []LogWebhookDeliveryCall

	Tasks       map[string]*task.Task
	TaskStats   []TaskStats
	RecentTasks []RecentTask

	SaveTaskError         error
	CompleteTaskError     error
	FailTaskError         error
	MoveToDeadLetterError error
	LogExecutionError     error
}

type SaveTaskCall struct {
	Task *task.Task
}

type UpdateTaskStatusCall struct {
	TaskID string
	Status task.Status
}

type CompleteTaskCall struct {
	TaskID     string
	DurationMs int
}

type FailTaskCall struct {
	TaskID     string
	Reason     string
	DurationMs int
}

type MoveToDeadLetterCall struct {
	TaskID string
	Reason string
}

type LogExecutionCall struct {
	TaskID        string
	AttemptNumber int
	Status        string
	DurationMs    int
	ErrorMsg      string
	WorkerID      string
}

type LogWebhookDeliveryCall struct {
	TaskID       string
	DeliveryID   string
	Event        string
	Status       string
	Attempt      int
	ResponseCode int
	ErrorMsg     string
}

func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		Tasks: make(map[string]*task.Task),
	}
}

func (m *MockTaskRepository) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{Task: t})
	copied := *t
	m.Tasks[t.ID] = &copied

	return nil
}

func (m *MockTaskRepository) UpdateTaskStatus(_ context.Context, taskID string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{TaskID: taskID, Status: status})
	if t, ok := m.Tasks[taskID]; ok {
		t.Status = status
	}

	return nil
}

func (m *MockTaskRepository) CompleteTask(_ context.Context, taskID string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CompleteTaskError != nil {
		return m.CompleteTaskError
	}

	m.CompleteTaskCalls = append(m.CompleteTaskCalls, CompleteTaskCall{TaskID: taskID, DurationMs: durationMs})
	if t, ok := m.Tasks[taskID]; ok {
		t.Status = task.StatusSuccess
	}

	return nil
}

func (m *MockTaskRepository) FailTask(_ context.Context, taskID string, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailTaskError != nil {
		return m.FailTaskError
	}

	m.FailTaskCalls = append(m.FailTaskCalls, FailTaskCall{TaskID: taskID, Reason: reason, DurationMs: durationMs})
	if t, ok := m.Tasks[taskID]; ok {
		t.Status = task.StatusFailure
	}

	return nil
}

func (m *MockTaskRepository) MoveToDeadLetter(_ context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MoveToDeadLetterError != nil {
		return m.MoveToDeadLetterError
	}

	m.MoveToDeadLetterCalls = append(m.MoveToDeadLetterCalls, MoveToDeadLetterCall{TaskID: taskID, Reason: reason})

	return nil
}

func (m *MockTaskRepository) LogExecution(_ context.Context, taskID string, attempt int, status string, durationMs int, errMsg string, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LogExecutionError != nil {
		return m.LogExecutionError
	}

	m.LogExecutionCalls = append(m.LogExecutionCalls, LogExecutionCall{
		TaskID:        taskID,
		AttemptNumber: attempt,
		Status:        status,
		DurationMs:    durationMs,
		ErrorMsg:      errMsg,
		WorkerID:      workerID,
	})

	return nil
}

func (m *MockTaskRepository) LogWebhookDelivery(_ context.Context, taskID, deliveryID, event, status string, attempt, responseCode int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogWebhookDeliveryCalls = append(m.LogWebhookDeliveryCalls, LogWebhookDeliveryCall{
		TaskID:       taskID,
		DeliveryID:   deliveryID,
		Event:        event,
		Status:       status,
		Attempt:      attempt,
		ResponseCode: responseCode,
		ErrorMsg:     errMsg,
	})

	return nil
}

func (m *MockTaskRepository) GetTaskStats(_ context.Context, _ int) ([]TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.TaskStats, nil
}

func (m *MockTaskRepository) GetRecentTasks(_ context.Context, _ int) ([]RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.RecentTasks, nil
}

func (m *MockTaskRepository) Close() error {
	return nil
}

func (m *MockTaskRepository) WasTaskSaved(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.Tasks[taskID]
	return ok
}

func (m *MockTaskRepository) GetTaskStatus(taskID string) (task.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tasks[taskID]
	if !ok {
		return "", false
	}

	return t.Status, true
}

func (m *MockTaskRepository) SaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveTaskCalls)
}

func (m *MockTaskRepository) ExecutionLogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogExecutionCalls)
}
