// Package channel delivers notifications through per-channel senders.
package channel

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

// OutcomeStatus is the result of one delivery attempt.
type OutcomeStatus string

const (
	OutcomeSent    OutcomeStatus = "SENT"
	OutcomeFailed  OutcomeStatus = "FAILED"
	OutcomeSkipped OutcomeStatus = "SKIPPED"
)

// Outcome describes a delivery attempt. Skipped means the notification was not
// claimed: another sender already holds it, it left PENDING, or its next
// retry is not due yet.
type Outcome struct {
	Status       OutcomeStatus
	ErrorCode    string
	ErrorMessage string
}

// Sender delivers notifications for a single channel. Send never panics and
// never returns an error: every result is an Outcome.
type Sender interface {
	Channel() db.Channel
	Send(ctx context.Context, notif *db.Notification) Outcome
}

// Store is the subset of the notification store senders need.
type Store interface {
	ClaimPending(ctx context.Context, id uuid.UUID) (*db.Notification, bool, error)
	UpdateIfStatus(ctx context.Context, notif *db.Notification, expected db.Status) (bool, error)
	GetEnabledChannelConfig(ctx context.Context, channel db.Channel) (*db.ChannelConfig, error)
	IncrementDailySent(ctx context.Context, channel db.Channel) error
}

// AuditRecorder receives status changes made during delivery.
type AuditRecorder interface {
	StatusChanged(id uuid.UUID, from, to db.Status, reason string)
}

// Registry maps channels to their sender. A channel without a sender is valid:
// its notifications stay PENDING until one is registered or they expire.
type Registry struct {
	mu      sync.RWMutex
	senders map[db.Channel]Sender
}

// NewRegistry creates a registry holding the given senders
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[db.Channel]Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the sender for its channel.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

// Sender returns the sender registered for channel.
func (r *Registry) Sender(channel db.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	return s, ok
}

// Channels lists channels that have a sender, sorted.
func (r *Registry) Channels() []db.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]db.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
