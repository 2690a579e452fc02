// Package webhook notifies external systems of task terminal events via
// signed, retried HTTP callbacks.
//
// The request body is serialized exactly once, when the delivery is created,
// and stored verbatim on the delivery record together with its signature.
// Replays send the stored bytes unchanged, so a receiver can always verify
// the signature against the literal body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/taskmill/taskmill/internal/backoff"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/internal/metrics"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/task"
)

const (
	userAgent       = "taskmill/1.0"
	headerEvent     = "X-Taskmill-Event"
	headerTaskID    = "X-Taskmill-Task-Id"
	headerSignature = "X-Taskmill-Signature"

	requestTimeout = 10 * time.Second
)

// Envelope is the fixed webhook payload shape. Field order is part of the
// wire format; changing it breaks stored signatures.
type Envelope struct {
	Event  string   `json:"event"`
	SentAt string   `json:"sent_at"`
	Task   Snapshot `json:"task"`
}

// Snapshot freezes the task fields shared with callback receivers.
type Snapshot struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TaskType     string         `json:"task_type"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	Queue        string         `json:"queue"`
	Payload      map[string]any `json:"payload"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	CreatedAt    string         `json:"created_at"`
	StartedAt    *string        `json:"started_at"`
	CompletedAt  *string        `json:"completed_at"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
}

type Dispatcher struct {
	queue  *queue.Queue
	repo   repository.TaskRepository
	policy *backoff.Policy
	client *http.Client
}

// NewDispatcher builds a dispatcher. The repository is optional.
func NewDispatcher(q *queue.Queue, repo repository.TaskRepository, policy *backoff.Policy) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		repo:   repo,
		policy: policy,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// BuildEnvelope snapshots the task for the given event.
func BuildEnvelope(t *task.Task, event string) Envelope {
	return Envelope{
		Event:  event,
		SentAt: time.Now().UTC().Format(time.RFC3339),
		Task: Snapshot{
			ID:           t.ID,
			Name:         t.Name,
			TaskType:     t.Type,
			Status:       string(t.Status),
			Priority:     int(t.Priority),
			Queue:        string(t.Queue),
			Payload:      t.Payload,
			Result:       t.Result,
			ErrorMessage: t.ErrorMessage,
			CreatedAt:    t.CreatedAt.Format(time.RFC3339),
			StartedAt:    formatTime(t.StartedAt),
			CompletedAt:  formatTime(t.CompletedAt),
			Tags:         t.Tags,
			Metadata:     t.Metadata,
		},
	}
}

// Sign computes the hex-encoded HMAC-SHA256 of the body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Notify creates a delivery for the event and runs its attempt cycle.
// No-op when the task has no callback or does not subscribe to the event.
// Delivery outcomes never affect task state.
func (d *Dispatcher) Notify(t *task.Task, event string) (*queue.Delivery, error) {
	if !t.WantsEvent(event) {
		return nil, nil
	}

	body, err := json.Marshal(BuildEnvelope(t, event))
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
		headerEvent:    event,
		headerTaskID:   t.ID,
	}
	for k, v := range t.CallbackHeaders {
		headers[k] = v
	}

	var signature string
	if t.CallbackSecret != "" {
		signature = Sign(t.CallbackSecret, body)
		headers[headerSignature] = signature
	}

	maxAttempts := t.CallbackMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultCallbackMaxAttempts
	}

	delivery := &queue.Delivery{
		ID:          uuid.New().String(),
		TaskID:      t.ID,
		Event:       event,
		URL:         t.CallbackURL,
		Body:        string(body),
		Signature:   signature,
		Headers:     headers,
		Status:      queue.DeliveryPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	if err := d.queue.SaveDelivery(delivery); err != nil {
		return nil, err
	}

	d.deliver(delivery)

	return delivery, nil
}

// Replay re-arms an existing delivery and re-sends its stored body and
// signature unchanged. The cumulative attempt history is preserved. Only one
// attempt cycle may own a delivery record at a time, so replay is rejected
// with ErrConflict until the current cycle has finished (a finished cycle is
// always delivered or exhausted; pending and failed mean a cycle is in flight).
func (d *Dispatcher) Replay(deliveryID string) (*queue.Delivery, error) {
	delivery, err := d.queue.GetDelivery(deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.Status != queue.DeliveryDelivered && delivery.Status != queue.DeliveryExhausted {
		return nil, queue.ErrConflict
	}

	delivery.Status = queue.DeliveryPending
	delivery.LastError = ""
	delivery.LastResponseCode = 0
	if err := d.queue.SaveDelivery(delivery); err != nil {
		return nil, err
	}

	d.deliver(delivery)

	return delivery, nil
}

// deliver runs one attempt cycle: up to MaxAttempts posts with backoff
// between failures. AttemptCount accumulates across cycles.
func (d *Dispatcher) deliver(delivery *queue.Delivery) {
	logger := log.GetLogger()

	for i := 0; i < delivery.MaxAttempts; i++ {
		delivery.AttemptCount++
		now := time.Now().UTC()
		delivery.LastAttemptAt = &now

		code, err := d.post(delivery)
		switch {
		case err != nil:
			delivery.Status = queue.DeliveryFailed
			delivery.LastError = err.Error()
			metrics.RecordWebhookAttempt(delivery.Event, "error")
		case code >= 200 && code < 300:
			delivery.Status = queue.DeliveryDelivered
			delivery.LastResponseCode = code
			delivery.LastError = ""
			delivery.DeliveredAt = &now
			metrics.RecordWebhookAttempt(delivery.Event, "delivered")
		default:
			delivery.Status = queue.DeliveryFailed
			delivery.LastResponseCode = code
			delivery.LastError = "non-2xx response"
			metrics.RecordWebhookAttempt(delivery.Event, "failed")
		}

		if err := d.queue.SaveDelivery(delivery); err != nil {
			logger.Errorf("failed to save delivery %s: %v", delivery.ID, err)
		}
		if d.repo != nil {
			_ = d.repo.LogWebhookDelivery(
				context.Background(),
				delivery.TaskID,
				delivery.ID,
				delivery.Event,
				string(delivery.Status),
				delivery.AttemptCount,
				delivery.LastResponseCode,
				delivery.LastError,
			)
		}

		if delivery.Status == queue.DeliveryDelivered {
			logger.Infof("webhook %s delivered for task %s (attempt %d)", delivery.Event, delivery.TaskID, delivery.AttemptCount)
			return
		}

		if i < delivery.MaxAttempts-1 {
			time.Sleep(d.policy.Delay(i))
		}
	}

	delivery.Status = queue.DeliveryExhausted
	if err := d.queue.SaveDelivery(delivery); err != nil {
		logger.Errorf("failed to save delivery %s: %v", delivery.ID, err)
	}
	metrics.RecordWebhookAttempt(delivery.Event, "exhausted")
	logger.Warnf("webhook %s for task %s exhausted after %d attempts", delivery.Event, delivery.TaskID, delivery.AttemptCount)
}

func (d *Dispatcher) post(delivery *queue.Delivery) (int, error) {
	req, err := http.NewRequest(http.MethodPost, delivery.URL, strings.NewReader(delivery.Body))
	if err != nil {
		return 0, err
	}
	for k, v := range delivery.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}

	s := t.Format(time.RFC3339)
	return &s
}
