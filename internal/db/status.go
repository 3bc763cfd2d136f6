package db

// Status is the lifecycle state of a notification.
//
// State transitions:
//
//	PENDING -> SENDING:   a dispatch attempt claimed the notification
//	SENDING -> SENT:      delivery succeeded
//	SENDING -> PENDING:   delivery failed, retries remain
//	SENDING -> FAILED:    delivery failed, retries exhausted
//	PENDING -> EXPIRED:   swept after expires_at
//	FAILED  -> PENDING:   manual retry
//	EXPIRED -> PENDING:   manual retry
//	SENT    -> DELIVERED: provider delivery confirmation
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusSending, StatusSent, StatusDelivered, StatusFailed, StatusExpired}

var transitions = map[Status][]Status{
	StatusPending: {StatusSending, StatusExpired},
	StatusSending: {StatusSent, StatusPending, StatusFailed},
	StatusSent:    {StatusDelivered},
	StatusFailed:  {StatusPending},
	StatusExpired: {StatusPending},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// ManuallyRetryable reports whether an operator may reset s to PENDING.
func (s Status) ManuallyRetryable() bool {
	return s == StatusFailed || s == StatusExpired
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
