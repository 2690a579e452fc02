// Package task defines the core task domain model shared by the queue, worker
// and persistence layers. It contains task metadata, status and priority
// definitions, lane routing and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int
	Lane     string
)

type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"task_type"`
	Payload      map[string]any `json:"payload"`
	Priority     Priority       `json:"priority"`
	Queue        Lane           `json:"queue"`
	Status       Status         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Webhook configuration, attached at creation and never mutated by the engine.
	CallbackURL         string            `json:"callback_url,omitempty"`
	CallbackEvents      []string          `json:"callback_events,omitempty"`
	CallbackHeaders     map[string]string `json:"callback_headers,omitempty"`
	CallbackSecret      string            `json:"callback_secret,omitempty"`
	CallbackMaxAttempts int               `json:"callback_max_attempts,omitempty"`
}

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRevoked Status = "revoked"
)

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

const (
	LaneLow      Lane = "low"
	LaneDefault  Lane = "default"
	LaneHigh     Lane = "high"
	LaneCritical Lane = "critical"
)

const (
	EventSucceeded = "task.succeeded"
	EventFailed    = "task.failed"
	EventRevoked   = "task.revoked"
)

const (
	DefaultMaxAttempts         = 3
	DefaultCallbackMaxAttempts = 5
)

func (p Priority) String() string {
	switch {
	case p >= PriorityCritical:
		return "critical"
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// LaneFor maps a priority to its dispatch lane. Total over all priority values.
func LaneFor(p Priority) Lane {
	switch {
	case p >= PriorityCritical:
		return LaneCritical
	case p >= PriorityHigh:
		return LaneHigh
	case p <= PriorityLow:
		return LaneLow
	default:
		return LaneDefault
	}
}

// Lanes returns the four dispatch lanes in descending priority order.
func Lanes() []Lane {
	return []Lane{LaneCritical, LaneHigh, LaneDefault, LaneLow}
}

func NewTask(name, taskType string, payload map[string]any, priority Priority) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:                  uuid.New().String(),
		Name:                name,
		Type:                taskType,
		Payload:             payload,
		Priority:            priority,
		Queue:               LaneFor(priority),
		Status:              StatusPending,
		MaxAttempts:         DefaultMaxAttempts,
		CallbackMaxAttempts: DefaultCallbackMaxAttempts,
		CreatedAt:           now,
		ScheduledAt:         now,
	}
}

// IsTerminal reports whether the status admits no further automatic transition.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// Event returns the callback event name for a terminal status, or "" otherwise.
func (s Status) Event() string {
	switch s {
	case StatusSuccess:
		return EventSucceeded
	case StatusFailure:
		return EventFailed
	case StatusRevoked:
		return EventRevoked
	default:
		return ""
	}
}

// WantsEvent reports whether the task's callback configuration subscribes to
// the given event. An empty callback_events list subscribes to all events.
func (t *Task) WantsEvent(event string) bool {
	if t.CallbackURL == "" {
		return false
	}
	if len(t.CallbackEvents) == 0 {
		return true
	}
	for _, e := range t.CallbackEvents {
		if e == event {
			return true
		}
	}
	return false
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
