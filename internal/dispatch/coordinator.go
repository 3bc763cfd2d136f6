// Package dispatch accepts notification submissions, enforces idempotency and
// hands accepted notifications to the channel senders.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// Response messages
const (
	MessageAccepted  = "Notification accepted for processing"
	MessageDuplicate = "duplicate request: returning existing notification"
	MessageRetried   = "Notification queued for retry"
)

// Listing limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store is the part of the notification store the coordinator uses.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetNotificationByIdempotencyKey(ctx context.Context, key string) (*db.Notification, error)
	UpdateIfStatus(ctx context.Context, notif *db.Notification, expected db.Status) (bool, error)
	ListNotifications(ctx context.Context, filter db.NotificationFilter) ([]*db.Notification, int64, error)
	FindActiveClient(ctx context.Context, id int) (*db.ApiClient, error)
	TouchClientLastUsed(ctx context.Context, id int, at time.Time) error
}

// Dispatcher hands a notification to delivery without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, notif *db.Notification) error
}

// SenderLookup reports which channels have a sender.
type SenderLookup interface {
	Sender(channel db.Channel) (channel.Sender, bool)
}

// AuditRecorder receives submission and status change events.
type AuditRecorder interface {
	NotificationCreated(notif *db.Notification, sourceIP string)
	StatusChanged(id uuid.UUID, from, to db.Status, reason string)
}

// IdempotencyCache remembers which notification an idempotency key created.
type IdempotencyCache interface {
	Lookup(ctx context.Context, key string) (uuid.UUID, bool, error)
	Remember(ctx context.Context, key string, id uuid.UUID) error
}

// SubmitRequest is a request to deliver one message.
type SubmitRequest struct {
	Channel        db.Channel     `json:"channel"`
	Recipient      string         `json:"recipient"`
	Subject        string         `json:"subject,omitempty"`
	Message        string         `json:"message"`
	Priority       db.Priority    `json:"priority,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	CallbackURL    string         `json:"callbackUrl,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SubmitResponse is returned for accepted and duplicate submissions alike.
type SubmitResponse struct {
	NotificationID uuid.UUID `json:"notificationId"`
	Status         db.Status `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	Message        string    `json:"message"`
	Duplicate      bool      `json:"-"`
}

// Config holds the defaults stamped on new notifications.
type Config struct {
	MaxRetries int
	TTL        time.Duration
}

// Coordinator is the intake and orchestration point for notifications.
type Coordinator struct {
	store      Store
	senders    SenderLookup
	dispatcher Dispatcher
	audit      AuditRecorder
	cache      IdempotencyCache
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewCoordinator creates a coordinator
func NewCoordinator(store Store, senders SenderLookup, dispatcher Dispatcher, audit AuditRecorder, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = db.DefaultMaxRetries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = db.DefaultTTL
	}
	return &Coordinator{
		store:      store,
		senders:    senders,
		dispatcher: dispatcher,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetIdempotencyCache puts a cache in front of the store's idempotency lookup.
func (c *Coordinator) SetIdempotencyCache(cache IdempotencyCache) {
	c.cache = cache
}

// Submit validates and persists a notification, then dispatches it
// asynchronously. A request whose idempotency key already exists returns the
// existing notification and does no new work.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest, clientID int, sourceIP string) (*SubmitResponse, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := c.findByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return duplicateResponse(existing), nil
		}
	}

	client, err := c.store.FindActiveClient(ctx, clientID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve client: %w", err)
	}
	if !client.Allows(req.Channel) {
		return nil, &ValidationError{Field: "channel", Reason: fmt.Sprintf("client is not allowed to use %s", req.Channel)}
	}

	now := c.now()
	if err := c.store.TouchClientLastUsed(ctx, client.ID, now); err != nil {
		c.logger.Warn("failed to update client last used", zap.Int("client_id", client.ID), zap.Error(err))
	}

	notif := &db.Notification{
		ID:             uuid.New(),
		ClientID:       client.ID,
		Channel:        req.Channel,
		Recipient:      req.Recipient,
		Subject:        optional(req.Subject),
		Body:           req.Message,
		Status:         db.StatusPending,
		Priority:       req.Priority,
		MaxRetries:     c.cfg.MaxRetries,
		IdempotencyKey: optional(req.IdempotencyKey),
		CallbackURL:    optional(req.CallbackURL),
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.TTL),
	}

	if err := c.store.CreateNotification(ctx, notif); err != nil {
		if errors.Is(err, db.ErrDuplicateIdempotencyKey) {
			winner, lookupErr := c.store.GetNotificationByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("load winning notification: %w", lookupErr)
			}
			metrics.RecordDuplicate("store")
			return duplicateResponse(winner), nil
		}
		return nil, fmt.Errorf("create notification: %w", err)
	}

	c.audit.NotificationCreated(notif, sourceIP)
	metrics.RecordSubmitted(string(notif.Channel))

	if c.cache != nil && req.IdempotencyKey != "" {
		if err := c.cache.Remember(ctx, req.IdempotencyKey, notif.ID); err != nil {
			c.logger.Warn("failed to cache idempotency key", zap.Error(err))
		}
	}

	c.logger.Info("notification accepted",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("client_id", client.ID),
		zap.String("channel", string(notif.Channel)),
		zap.String("recipient", channel.MaskRecipient(notif.Recipient)),
	)

	c.dispatch(ctx, notif)

	return &SubmitResponse{
		NotificationID: notif.ID,
		Status:         notif.Status,
		CreatedAt:      notif.CreatedAt,
		Message:        MessageAccepted,
	}, nil
}

// RetryNotification resets a FAILED or EXPIRED notification to PENDING with a
// fresh retry budget and lifetime, then dispatches it.
func (c *Coordinator) RetryNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	notif, err := c.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if !notif.Status.ManuallyRetryable() {
		return nil, fmt.Errorf("%w: status is %s", ErrRetryNotAllowed, notif.Status)
	}

	previous := notif.Status
	notif.Status = db.StatusPending
	notif.RetryCount = 0
	notif.NextRetryAt = nil
	notif.ClearError()
	notif.ExpiresAt = c.now().Add(c.cfg.TTL)

	applied, err := c.store.UpdateIfStatus(ctx, notif, previous)
	if err != nil {
		return nil, fmt.Errorf("reset notification: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: status changed concurrently", ErrRetryNotAllowed)
	}

	c.audit.StatusChanged(notif.ID, previous, db.StatusPending, "manual retry")
	c.logger.Info("notification manually retried",
		zap.String("notification_id", notif.ID.String()),
		zap.String("previous_status", string(previous)),
	)

	c.dispatch(ctx, notif)
	return notif, nil
}

// GetNotification returns the notification with id.
func (c *Coordinator) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return c.store.GetNotification(ctx, id)
}

// ListNotifications returns a filtered page and the total match count.
func (c *Coordinator) ListNotifications(ctx context.Context, filter db.NotificationFilter) ([]*db.Notification, int64, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		return nil, 0, &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", filter.Channel)}
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return c.store.ListNotifications(ctx, filter)
}

// dispatch hands a persisted PENDING notification to delivery if its channel has a sender.
func (c *Coordinator) dispatch(ctx context.Context, notif *db.Notification) {
	if _, ok := c.senders.Sender(notif.Channel); !ok {
		c.logger.Debug("no sender registered, notification stays pending",
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", string(notif.Channel)),
		)
		return
	}
	if err := c.dispatcher.Dispatch(ctx, notif.Clone()); err != nil {
		c.logger.Warn("dispatch deferred to sweeper",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) findByKey(ctx context.Context, key string) (*db.Notification, error) {
	if c.cache != nil {
		id, found, err := c.cache.Lookup(ctx, key)
		if err != nil {
			c.logger.Warn("idempotency cache lookup failed", zap.Error(err))
		}
		if found {
			notif, err := c.store.GetNotification(ctx, id)
			if err == nil {
				metrics.RecordDuplicate("cache")
				return notif, nil
			}
			if !errors.Is(err, db.ErrNotFound) {
				return nil, fmt.Errorf("load cached notification: %w", err)
			}
		}
	}

	notif, err := c.store.GetNotificationByIdempotencyKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency key: %w", err)
	}
	metrics.RecordDuplicate("store")
	return notif, nil
}

func validate(req *SubmitRequest) error {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if !req.Channel.Valid() {
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("must be one of %v", db.Channels)}
	}
	if req.Recipient == "" {
		return &ValidationError{Field: "recipient", Reason: "is required"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return &ValidationError{Field: "message", Reason: "is required"}
	}
	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "must be LOW, NORMAL or HIGH"}
	}
	return nil
}

func duplicateResponse(notif *db.Notification) *SubmitResponse {
	return &SubmitResponse{
		NotificationID: notif.ID,
		Status:         notif.Status,
		CreatedAt:      notif.CreatedAt,
		Message:        MessageDuplicate,
		Duplicate:      true,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
