package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmill/taskmill/internal/backoff"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/task"
)

type receivedRequest struct {
	body    []byte
	headers http.Header
}

// receiver is a webhook endpoint that fails the first failures requests.
type receiver struct {
	mu       sync.Mutex
	requests []receivedRequest
	failures int
}

func (r *receiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)

		r.mu.Lock()
		r.requests = append(r.requests, receivedRequest{body: body, headers: req.Header.Clone()})
		n := len(r.requests)
		failures := r.failures
		r.mu.Unlock()

		if n <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.requests)
}

func (r *receiver) request(i int) receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.requests[i]
}

func setupDispatcher(t *testing.T) (*Dispatcher, *queue.Queue, *repository.MockTaskRepository) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	mockRepo := repository.NewMockTaskRepository()
	q, err := queue.NewQueue(mr.Addr(), mockRepo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	policy := backoff.WithoutJitter(time.Millisecond, 1, time.Millisecond)

	return NewDispatcher(q, mockRepo, policy), q, mockRepo
}

func succeededTask(url string) *task.Task {
	t := task.NewTask("notify-me", "echo", map[string]any{"k": "v"}, task.PriorityNormal)
	t.CallbackURL = url
	now := time.Now().UTC()
	t.Status = task.StatusSuccess
	t.StartedAt = &now
	t.CompletedAt = &now
	t.Result = map[string]any{"echoed": map[string]any{"k": "v"}}

	return t
}

func TestSign_Deterministic(t *testing.T) {
	body := []byte(`{"event":"task.succeeded"}`)

	first := Sign("abc", body)
	second := Sign("abc", body)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64, "hex-encoded SHA-256 digest")
	assert.NotEqual(t, first, Sign("other", body))
}

func TestNotify_Delivers(t *testing.T) {
	rcv := &receiver{}
	server := httptest.NewServer(rcv.handler())
	defer server.Close()

	d, _, _ := setupDispatcher(t)
	tsk := succeededTask(server.URL)
	tsk.CallbackSecret = "abc"
	tsk.CallbackHeaders = map[string]string{"X-Custom": "yes"}

	delivery, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.Equal(t, queue.DeliveryDelivered, delivery.Status)
	assert.Equal(t, 1, delivery.AttemptCount)
	assert.Equal(t, 200, delivery.LastResponseCode)
	require.NotNil(t, delivery.DeliveredAt)

	require.Equal(t, 1, rcv.count())
	got := rcv.request(0)

	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, "taskmill/1.0", got.headers.Get("User-Agent"))
	assert.Equal(t, task.EventSucceeded, got.headers.Get("X-Taskmill-Event"))
	assert.Equal(t, tsk.ID, got.headers.Get("X-Taskmill-Task-Id"))
	assert.Equal(t, "yes", got.headers.Get("X-Custom"))

	// The signature verifies against the literal bytes sent.
	assert.Equal(t, Sign("abc", got.body), got.headers.Get("X-Taskmill-Signature"))

	var envelope Envelope
	require.NoError(t, json.Unmarshal(got.body, &envelope))
	assert.Equal(t, task.EventSucceeded, envelope.Event)
	assert.Equal(t, tsk.ID, envelope.Task.ID)
	assert.Equal(t, "echo", envelope.Task.TaskType)
	assert.Equal(t, "success", envelope.Task.Status)
	assert.Equal(t, "default", envelope.Task.Queue)
}

func TestNotify_NoCallbackURL(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	tsk := succeededTask("")
	delivery, err := d.Notify(tsk, task.EventSucceeded)

	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestNotify_EventNotSubscribed(t *testing.T) {
	rcv := &receiver{}
	server := httptest.NewServer(rcv.handler())
	defer server.Close()

	d, _, _ := setupDispatcher(t)
	tsk := succeededTask(server.URL)
	tsk.CallbackEvents = []string{task.EventFailed}

	delivery, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	assert.Nil(t, delivery)
	assert.Equal(t, 0, rcv.count())
}

func TestNotify_RetriesThenDelivers(t *testing.T) {
	rcv := &receiver{failures: 2}
	server := httptest.NewServer(rcv.handler())
	defer server.Close()

	d, _, mockRepo := setupDispatcher(t)
	tsk := succeededTask(server.URL)
	tsk.CallbackMaxAttempts = 5

	delivery, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.Equal(t, queue.DeliveryDelivered, delivery.Status)
	assert.Equal(t, 3, delivery.AttemptCount)
	assert.Equal(t, 3, rcv.count())
	assert.Len(t, mockRepo.LogWebhookDeliveryCalls, 3)
}

func TestNotify_Exhausts(t *testing.T) {
	rcv := &receiver{failures: 100}
	server := httptest.NewServer(rcv.handler())
	defer server.Close()

	d, q, _ := setupDispatcher(t)
	tsk := succeededTask(server.URL)
	tsk.CallbackMaxAttempts = 3
	require.NoError(t, q.Enqueue(tsk))

	delivery, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.Equal(t, queue.DeliveryExhausted, delivery.Status)
	assert.Equal(t, 3, delivery.AttemptCount)
	assert.Equal(t, 500, delivery.LastResponseCode)
	assert.NotEmpty(t, delivery.LastError)

	// Exhaustion never mutates the task.
	got, err := q.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, tsk.Status, got.Status)
}

func TestNotify_UnreachableEndpoint(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	tsk := succeededTask("http://127.0.0.1:1/unreachable")
	tsk.CallbackMaxAttempts = 2

	delivery, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.Equal(t, queue.DeliveryExhausted, delivery.Status)
	assert.Equal(t, 2, delivery.AttemptCount)
	assert.NotEmpty(t, delivery.LastError)
}

func TestReplay_SendsIdenticalBodyAndSignature(t *testing.T) {
	rcv := &receiver{}
	server := httptest.NewServer(rcv.handler())
	defer server.Close()

	d, _, _ := setupDispatcher(t)
	tsk := succeededTask(server.URL)
	tsk.CallbackSecret = "abc"

	original, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	require.Equal(t, queue.DeliveryDelivered, original.Status)

	replayed, err := d.Replay(original.ID)
	require.NoError(t, err)

	assert.Equal(t, original.ID, replayed.ID, "replay preserves delivery identity")
	assert.Equal(t, queue.DeliveryDelivered, replayed.Status)
	assert.Equal(t, 2, replayed.AttemptCount, "history accumulates across cycles")

	require.Equal(t, 2, rcv.count())
	first := rcv.request(0)
	second := rcv.request(1)

	assert.Equal(t, first.body, second.body, "replay sends byte-identical body")
	assert.Equal(t,
		first.headers.Get("X-Taskmill-Signature"),
		second.headers.Get("X-Taskmill-Signature"),
		"replay sends the stored signature")
}

func TestReplay_RejectsInFlightDelivery(t *testing.T) {
	d, q, _ := setupDispatcher(t)

	// A pending record means an attempt cycle owns it right now; a second
	// cycle would race the first and clobber the stored attempt history.
	inflight := &queue.Delivery{
		ID:          uuid.New().String(),
		TaskID:      "task-1",
		Event:       task.EventSucceeded,
		URL:         "https://example.com/hook",
		Body:        `{"event":"task.succeeded"}`,
		Status:      queue.DeliveryPending,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, q.SaveDelivery(inflight))

	_, err := d.Replay(inflight.ID)
	assert.ErrorIs(t, err, queue.ErrConflict)

	inflight.Status = queue.DeliveryFailed
	inflight.AttemptCount = 1
	require.NoError(t, q.SaveDelivery(inflight))

	_, err = d.Replay(inflight.ID)
	assert.ErrorIs(t, err, queue.ErrConflict)

	// The record is untouched by the rejected replays.
	stored, err := q.GetDelivery(inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.DeliveryFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestReplay_NotFound(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	_, err := d.Replay("missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestReplay_ReArmsExhaustedDelivery(t *testing.T) {
	rcv := &receiver{failures: 2}
	server := httptest.NewServer(rcv.handler())
	defer server.Close()

	d, _, _ := setupDispatcher(t)
	tsk := succeededTask(server.URL)
	tsk.CallbackMaxAttempts = 2

	original, err := d.Notify(tsk, task.EventSucceeded)
	require.NoError(t, err)
	require.Equal(t, queue.DeliveryExhausted, original.Status)
	require.Equal(t, 2, original.AttemptCount)

	// The receiver recovers; replay gets a fresh attempt cycle.
	replayed, err := d.Replay(original.ID)
	require.NoError(t, err)

	assert.Equal(t, queue.DeliveryDelivered, replayed.Status)
	assert.Equal(t, 3, replayed.AttemptCount)
}

func TestBuildEnvelope_SnapshotsTaskFields(t *testing.T) {
	tsk := succeededTask("https://example.com/hook")
	tsk.Tags = []string{"batch", "nightly"}
	tsk.Metadata = map[string]any{"team": "data"}

	envelope := BuildEnvelope(tsk, task.EventSucceeded)

	assert.Equal(t, task.EventSucceeded, envelope.Event)
	assert.NotEmpty(t, envelope.SentAt)
	assert.Equal(t, tsk.ID, envelope.Task.ID)
	assert.Equal(t, "notify-me", envelope.Task.Name)
	assert.Equal(t, 5, envelope.Task.Priority)
	assert.Equal(t, []string{"batch", "nightly"}, envelope.Task.Tags)
	require.NotNil(t, envelope.Task.StartedAt)
	require.NotNil(t, envelope.Task.CompletedAt)
}
