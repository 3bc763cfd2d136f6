package channel

import (
	"context"
	"errors"
)

// Error codes recorded on a notification after a failed attempt.
const (
	ErrorCodeMessaging = "MESSAGING_ERROR"
	ErrorCodeUnknown   = "UNKNOWN_ERROR"
)

// DefaultSubject is used when an email notification has no subject.
const DefaultSubject = "Notification"

// ErrMessaging marks a provider or protocol rejection. Transports wrap it so
// the failure is recorded as MESSAGING_ERROR instead of UNKNOWN_ERROR.
var ErrMessaging = errors.New("messaging error")

// EmailMessage is one outbound email.
type EmailMessage struct {
	From      string
	To        string
	Subject   string
	Body      string
	HTML      bool
	Reference string
}

// Transport hands an email to a mail provider and returns the provider's message id.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg EmailMessage) (string, error)
}

// ErrorCode maps a transport error to the code stored on the notification.
func ErrorCode(err error) string {
	if errors.Is(err, ErrMessaging) {
		return ErrorCodeMessaging
	}
	return ErrorCodeUnknown
}
