package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is everything the gateway persists. Repository backs it with Postgres
// and MemoryStore keeps it in process for tests and STORE_DRIVER=memory.
type Store interface {
	CreateNotification(ctx context.Context, notif *Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error)
	GetNotificationByIdempotencyKey(ctx context.Context, key string) (*Notification, error)
	ClaimPending(ctx context.Context, id uuid.UUID) (*Notification, bool, error)
	UpdateIfStatus(ctx context.Context, notif *Notification, expected Status) (bool, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, int64, error)
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	OrphanedPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Notification, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	CountByStatusSince(ctx context.Context, since time.Time) (map[Status]int64, error)
	CountByChannelSince(ctx context.Context, since time.Time) (map[Channel]int64, error)
	CountByHourSince(ctx context.Context, since time.Time) ([]HourlyCount, error)
	RecentByStatusSince(ctx context.Context, status Status, since time.Time, limit int) ([]*Notification, error)

	FindActiveClient(ctx context.Context, id int) (*ApiClient, error)
	TouchClientLastUsed(ctx context.Context, id int, at time.Time) error

	GetEnabledChannelConfig(ctx context.Context, channel Channel) (*ChannelConfig, error)
	IncrementDailySent(ctx context.Context, channel Channel) error
	ResetDailySent(ctx context.Context) (int64, error)
	UpdateChannelHealth(ctx context.Context, channel Channel, status HealthStatus, at time.Time) error

	InsertAuditLogs(ctx context.Context, entries []*AuditLogEntry) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, int64, error)
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
