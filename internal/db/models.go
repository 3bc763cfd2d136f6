package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium
type Channel string

// Channel constants
const (
	ChannelEmail        Channel = "EMAIL"
	ChannelSMS          Channel = "SMS"
	ChannelChat         Channel = "CHAT"
	ChannelMessagingApp Channel = "MESSAGING_APP"
)

// Channels lists every known channel in display order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelChat, ChannelMessagingApp}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Priority of a notification
type Priority string

// Priority constants
const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Defaults applied to every new notification
const (
	DefaultMaxRetries = 5
	DefaultTTL        = 24 * time.Hour
)

// Notification represents a notification in the database
type Notification struct {
	ID                uuid.UUID      `json:"notificationId"`
	ClientID          int            `json:"clientId"`
	Channel           Channel        `json:"channel"`
	Recipient         string         `json:"recipient"`
	Subject           *string        `json:"subject,omitempty"`
	Body              string         `json:"message"`
	Status            Status         `json:"status"`
	Priority          Priority       `json:"priority"`
	RetryCount        int            `json:"retryCount"`
	MaxRetries        int            `json:"maxRetries"`
	NextRetryAt       *time.Time     `json:"nextRetryAt,omitempty"`
	ErrorMessage      *string        `json:"errorMessage,omitempty"`
	ErrorCode         *string        `json:"errorCode,omitempty"`
	ProviderMessageID *string        `json:"providerMessageId,omitempty"`
	IdempotencyKey    *string        `json:"idempotencyKey,omitempty"`
	CallbackURL       *string        `json:"callbackUrl,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	ExpiresAt         time.Time      `json:"expiresAt"`
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.Subject = cloneString(n.Subject)
	c.ErrorMessage = cloneString(n.ErrorMessage)
	c.ErrorCode = cloneString(n.ErrorCode)
	c.ProviderMessageID = cloneString(n.ProviderMessageID)
	c.IdempotencyKey = cloneString(n.IdempotencyKey)
	c.CallbackURL = cloneString(n.CallbackURL)
	c.NextRetryAt = cloneTime(n.NextRetryAt)
	c.SentAt = cloneTime(n.SentAt)
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ClearError resets the error fields.
func (n *Notification) ClearError() {
	n.ErrorMessage = nil
	n.ErrorCode = nil
}

// ApiClient is a registered caller of the send API
type ApiClient struct {
	ID              int        `json:"clientId"`
	Name            string     `json:"clientName"`
	Active          bool       `json:"isActive"`
	AllowedChannels []Channel  `json:"allowedChannels,omitempty"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

// Allows reports whether the client may send on channel. An empty list allows all.
func (c *ApiClient) Allows(channel Channel) bool {
	if len(c.AllowedChannels) == 0 {
		return true
	}
	for _, ch := range c.AllowedChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

// HealthStatus of a channel provider
type HealthStatus string

// HealthStatus constants
const (
	HealthUnknown   HealthStatus = "UNKNOWN"
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
)

// ChannelConfig holds per-channel provider settings
type ChannelConfig struct {
	Channel         Channel        `json:"channel"`
	ProviderName    string         `json:"providerName"`
	Settings        map[string]any `json:"settings,omitempty"`
	Enabled         bool           `json:"isEnabled"`
	DailyLimit      *int           `json:"dailyLimit,omitempty"`
	DailySentCount  int            `json:"dailySentCount"`
	HealthStatus    HealthStatus   `json:"healthStatus"`
	LastHealthCheck *time.Time     `json:"lastHealthCheck,omitempty"`
}

// SettingString returns a string setting, or "" when missing or not a string.
func (c *ChannelConfig) SettingString(key string) string {
	if c == nil || c.Settings == nil {
		return ""
	}
	s, _ := c.Settings[key].(string)
	return s
}

// RetryQueueStatus constants
const (
	RetryQueuePending    = "PENDING"
	RetryQueueProcessing = "PROCESSING"
	RetryQueueCompleted  = "COMPLETED"
	RetryQueueFailed     = "FAILED"
)

// RetryQueueEntry is one unit of sweeper work. It is not persisted; the sweeper
// builds entries from the store's indexed due-retry query.
type RetryQueueEntry struct {
	NotificationID uuid.UUID
	Channel        Channel
	Attempt        int
	ScheduledAt    time.Time
	Status         string
}

// AuditLogEntry is an append-only record of an action
type AuditLogEntry struct {
	ID         int64          `json:"logId"`
	ActorID    *int           `json:"adminId,omitempty"`
	ActionType string         `json:"actionType"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	OldValue   map[string]any `json:"oldValue,omitempty"`
	NewValue   map[string]any `json:"newValue,omitempty"`
	IPAddress  string         `json:"ipAddress"`
	UserAgent  string         `json:"userAgent,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// NotificationFilter narrows admin listings
type NotificationFilter struct {
	Status  Status
	Channel Channel
	Limit   int
	Offset  int
}

// AuditFilter narrows audit log listings
type AuditFilter struct {
	EntityType string
	ActionType string
	Limit      int
	Offset     int
}

// HourlyCount is the number of notifications created within one hour
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
