// Package api exposes the HTTP boundary: task creation and lookup,
// cancellation, dead letter operations, webhook delivery operations and
// stats. Validation happens here, before any queue state exists.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmill/taskmill/internal/httputil"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/internal/middleware"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/registry"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/task"
	"github.com/taskmill/taskmill/internal/webhook"
)

type API struct {
	queue      *queue.Queue
	registry   *registry.Registry
	dispatcher *webhook.Dispatcher
	repo       repository.TaskRepository
	router     chi.Router
}

func NewAPI(q *queue.Queue, reg *registry.Registry, dispatcher *webhook.Dispatcher, repo repository.TaskRepository) *API {
	a := &API{
		queue:      q,
		registry:   reg,
		dispatcher: dispatcher,
		repo:       repo,
		router:     chi.NewRouter(),
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(middleware.Metrics)

	a.router.Route("/api", func(r chi.Router) {
		r.Post("/tasks", a.createTask)
		r.Get("/tasks", a.listTasks)
		r.Get("/tasks/{taskID}", a.getTask)
		r.Post("/tasks/{taskID}/cancel", a.cancelTask)
		r.Get("/tasks/{taskID}/deliveries", a.listDeliveries)
		r.Post("/tasks/{taskID}/deliveries/{deliveryID}/replay", a.replayDelivery)

		r.Get("/deadletters", a.listDeadLetters)
		r.Get("/deadletters/{entryID}", a.getDeadLetter)
		r.Post("/deadletters/{entryID}/reprocess", a.reprocessDeadLetter)

		r.Get("/stats", a.getStats)
		r.Get("/history", a.getHistory)
		r.Get("/history/stats", a.getHistoryStats)
	})

	a.router.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

type CreateTaskRequest struct {
	Name                string            `json:"name"`
	Type                string            `json:"task_type"`
	Payload             map[string]any    `json:"payload"`
	Priority            *int              `json:"priority"`
	MaxAttempts         *int              `json:"max_attempts"`
	DelaySeconds        *int              `json:"delay_seconds"`
	Tags                []string          `json:"tags"`
	Metadata            map[string]any    `json:"metadata"`
	CallbackURL         string            `json:"callback_url"`
	CallbackEvents      []string          `json:"callback_events"`
	CallbackHeaders     map[string]string `json:"callback_headers"`
	CallbackSecret      string            `json:"callback_secret"`
	CallbackMaxAttempts *int              `json:"callback_max_attempts"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if msg := a.validate(&req); msg != "" {
		httputil.WriteJSONError(w, msg, http.StatusBadRequest)
		return
	}

	priority := task.PriorityNormal
	if req.Priority != nil {
		priority = task.Priority(*req.Priority)
	}

	t := task.NewTask(req.Name, req.Type, req.Payload, priority)
	if req.MaxAttempts != nil && *req.MaxAttempts > 0 {
		t.MaxAttempts = *req.MaxAttempts
	}
	t.Tags = req.Tags
	t.Metadata = req.Metadata
	t.CallbackURL = req.CallbackURL
	t.CallbackEvents = req.CallbackEvents
	t.CallbackHeaders = req.CallbackHeaders
	t.CallbackSecret = req.CallbackSecret
	if req.CallbackMaxAttempts != nil && *req.CallbackMaxAttempts > 0 {
		t.CallbackMaxAttempts = *req.CallbackMaxAttempts
	}

	var err error
	if req.DelaySeconds != nil && *req.DelaySeconds > 0 {
		err = a.queue.EnqueueAfter(t, time.Duration(*req.DelaySeconds)*time.Second)
	} else {
		err = a.queue.Enqueue(t)
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, t)
}

// validate rejects bad requests before any task record exists. Returns an
// empty string when the request is acceptable.
func (a *API) validate(req *CreateTaskRequest) string {
	if req.Name == "" {
		return "name is required"
	}
	if req.Type == "" {
		return "task_type is required"
	}
	if !a.registry.Has(req.Type) {
		return "unknown task_type: " + req.Type
	}
	if req.Priority != nil {
		switch task.Priority(*req.Priority) {
		case task.PriorityLow, task.PriorityNormal, task.PriorityHigh, task.PriorityCritical:
		default:
			return "priority must be one of 1 (low), 5 (normal), 10 (high), 20 (critical)"
		}
	}
	if req.DelaySeconds != nil && *req.DelaySeconds < 0 {
		return "delay_seconds must not be negative"
	}
	for _, event := range req.CallbackEvents {
		switch event {
		case task.EventSucceeded, task.EventFailed, task.EventRevoked:
		default:
			return "unknown callback event: " + event
		}
	}
	if len(req.CallbackEvents) > 0 && req.CallbackURL == "" {
		return "callback_events requires callback_url"
	}

	return validatePayload(req.Type, req.Payload)
}

func validatePayload(taskType string, payload map[string]any) string {
	required := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := payload[key].(string); !ok || v == "" {
				return "payload field '" + key + "' is required for " + taskType
			}
		}
		return ""
	}

	switch taskType {
	case "compute":
		if _, ok := payload["numbers"].([]any); !ok {
			return "payload field 'numbers' is required for compute"
		}
	case "http_request":
		return required("url")
	case "send_email":
		return required("to", "subject", "body")
	case "resize_image":
		return required("image_url")
	case "generate_report":
		return required("report_type")
	}

	return ""
}

func (a *API) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks, err := a.queue.GetAllTasks()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.queue.GetTask(chi.URLParam(r, "taskID"))
	if errors.Is(err, queue.ErrNotFound) {
		httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.queue.Revoke(chi.URLParam(r, "taskID"))
	if errors.Is(err, queue.ErrNotFound) {
		httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, queue.ErrConflict) {
		httputil.WriteJSONError(w, "task already reached a terminal state", http.StatusConflict)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if a.dispatcher != nil {
		go func() {
			if _, err := a.dispatcher.Notify(t, task.EventRevoked); err != nil {
				log.GetLogger().Errorf("webhook dispatch failed for task %s: %v", t.ID, err)
			}
		}()
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := queue.DeadLetterFilter{
		TaskType: r.URL.Query().Get("task_type"),
	}
	if v := r.URL.Query().Get("reprocessed"); v != "" {
		reprocessed, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteJSONError(w, "reprocessed must be true or false", http.StatusBadRequest)
			return
		}
		filter.Reprocessed = &reprocessed
	}

	entries, err := a.queue.DeadLetters(filter)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (a *API) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := a.queue.GetDeadLetter(chi.URLParam(r, "entryID"))
	if errors.Is(err, queue.ErrNotFound) {
		httputil.WriteJSONError(w, "dead letter entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (a *API) reprocessDeadLetter(w http.ResponseWriter, r *http.Request) {
	t, err := a.queue.ReprocessDeadLetter(chi.URLParam(r, "entryID"))
	if errors.Is(err, queue.ErrNotFound) {
		httputil.WriteJSONError(w, "dead letter entry not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, queue.ErrConflict) {
		httputil.WriteJSONError(w, "entry already reprocessed", http.StatusConflict)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := a.queue.DeliveriesForTask(chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, deliveries)
}

func (a *API) replayDelivery(w http.ResponseWriter, r *http.Request) {
	if a.dispatcher == nil {
		httputil.WriteJSONError(w, "webhook dispatch not configured", http.StatusServiceUnavailable)
		return
	}

	taskID := chi.URLParam(r, "taskID")
	deliveryID := chi.URLParam(r, "deliveryID")

	delivery, err := a.queue.GetDelivery(deliveryID)
	if errors.Is(err, queue.ErrNotFound) || (err == nil && delivery.TaskID != taskID) {
		httputil.WriteJSONError(w, "delivery not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	replayed, err := a.dispatcher.Replay(deliveryID)
	if errors.Is(err, queue.ErrConflict) {
		httputil.WriteJSONError(w, "delivery attempt cycle still in flight", http.StatusConflict)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, replayed)
}

func (a *API) getStats(w http.ResponseWriter, _ *http.Request) {
	tasks, err := a.queue.GetAllTasks()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	byStatus := make(map[task.Status]int)
	for _, t := range tasks {
		byStatus[t.Status]++
	}

	depths, err := a.queue.LaneDepths()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	deadLetters, err := a.queue.DeadLetterDepth()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"total":        len(tasks),
		"by_status":    byStatus,
		"lane_depths":  depths,
		"dead_letters": deadLetters,
	})
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	if a.repo == nil {
		httputil.WriteJSONError(w, "history persistence not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := a.repo.GetRecentTasks(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) getHistoryStats(w http.ResponseWriter, r *http.Request) {
	if a.repo == nil {
		httputil.WriteJSONError(w, "history persistence not configured", http.StatusServiceUnavailable)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}

	stats, err := a.repo.GetTaskStats(r.Context(), hours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
