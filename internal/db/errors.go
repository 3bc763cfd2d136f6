package db

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by CreateNotification when another
	// notification already owns the idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")

	// ErrInvalidTransition is returned when an update would leave the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)
