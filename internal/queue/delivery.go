package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const deliveriesKey = "webhook:deliveries"

func deliveriesByTaskKey(taskID string) string {
	return "webhook:task:" + taskID
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Delivery tracks one webhook notification lifecycle for a task event.
// The serialized body and signature are fixed at enqueue time so a replay
// sends byte-identical content.
type Delivery struct {
	ID               string            `json:"id"`
	TaskID           string            `json:"task_id"`
	Event            string            `json:"event"`
	URL              string            `json:"url"`
	Body             string            `json:"body"`
	Signature        string            `json:"signature,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Status           DeliveryStatus    `json:"status"`
	AttemptCount     int               `json:"attempt_count"`
	MaxAttempts      int               `json:"max_attempts"`
	LastResponseCode int               `json:"last_response_code,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastAttemptAt    *time.Time        `json:"last_attempt_at,omitempty"`
	DeliveredAt      *time.Time        `json:"delivered_at,omitempty"`
}

// SaveDelivery upserts the delivery record and indexes it under its task on
// first save.
func (q *Queue) SaveDelivery(d *Delivery) error {
	exists, err := q.client.HExists(q.ctx, deliveriesKey, d.ID).Result()
	if err != nil {
		return err
	}

	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := q.client.HSet(q.ctx, deliveriesKey, d.ID, data).Err(); err != nil {
		return err
	}

	if !exists {
		return q.client.RPush(q.ctx, deliveriesByTaskKey(d.TaskID), d.ID).Err()
	}

	return nil
}

func (q *Queue) GetDelivery(id string) (*Delivery, error) {
	raw, err := q.client.HGet(q.ctx, deliveriesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var d Delivery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// DeliveriesForTask lists a task's deliveries in creation order.
func (q *Queue) DeliveriesForTask(taskID string) ([]*Delivery, error) {
	ids, err := q.client.LRange(q.ctx, deliveriesByTaskKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	deliveries := make([]*Delivery, 0, len(ids))
	for _, id := range ids {
		d, err := q.GetDelivery(id)
		if err != nil {
			continue
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}
