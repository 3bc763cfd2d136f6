package dispatch

import (
	"errors"
	"fmt"

	"github.com/lalithlochan/courier/internal/db"
)

var (
	// ErrNotFound is returned when a notification does not exist.
	ErrNotFound = db.ErrNotFound

	// ErrClientNotFound is returned when the submitting client is unknown or inactive.
	ErrClientNotFound = errors.New("client not found or inactive")

	// ErrRetryNotAllowed is returned when a manual retry targets a notification
	// that is not FAILED or EXPIRED.
	ErrRetryNotAllowed = errors.New("notification cannot be retried")
)

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
