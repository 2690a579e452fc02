package queue

import "errors"

var (
	// ErrNotFound is returned when a task, dead letter entry or delivery
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a status commit loses a race, e.g. a
	// success arriving after the task was revoked. Callers discard the
	// commit; it is never surfaced as a system error.
	ErrConflict = errors.New("status commit conflict")
)
