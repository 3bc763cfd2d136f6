package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Every read returns a copy, so callers
// never alias stored records.
type MemoryStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*Notification
	byKey         map[string]uuid.UUID
	clients       map[int]*ApiClient
	configs       map[Channel]*ChannelConfig
	audit         []*AuditLogEntry
	nextAuditID   int64

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[uuid.UUID]*Notification),
		byKey:         make(map[string]uuid.UUID),
		clients:       make(map[int]*ApiClient),
		configs:       make(map[Channel]*ChannelConfig),
		now:           time.Now,
	}
}

// SetClock replaces the clock used for timestamps and retry due checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutClient registers or replaces an API client.
func (m *MemoryStore) PutClient(client ApiClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := client
	c.AllowedChannels = append([]Channel(nil), client.AllowedChannels...)
	m.clients[c.ID] = &c
}

// PutChannelConfig registers or replaces a channel configuration.
func (m *MemoryStore) PutChannelConfig(cfg ChannelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cfg
	c.Settings = cloneMap(cfg.Settings)
	m.configs[c.Channel] = &c
}

// PutNotification stores notif as is, bypassing lifecycle checks.
func (m *MemoryStore) PutNotification(notif *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[notif.ID] = notif.Clone()
	if notif.IdempotencyKey != nil {
		m.byKey[*notif.IdempotencyKey] = notif.ID
	}
}

// ChannelConfig returns a copy of any stored configuration, enabled or not.
func (m *MemoryStore) ChannelConfig(channel Channel) (ChannelConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[channel]
	if !ok {
		return ChannelConfig{}, false
	}
	c := *cfg
	c.Settings = cloneMap(cfg.Settings)
	return c, true
}

// Client returns a copy of any stored client, active or not.
func (m *MemoryStore) Client(id int) (ApiClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return ApiClient{}, false
	}
	return *c, true
}

func (m *MemoryStore) CreateNotification(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if notif.IdempotencyKey != nil {
		if _, exists := m.byKey[*notif.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if _, exists := m.notifications[notif.ID]; exists {
		return fmt.Errorf("notification %s already exists", notif.ID)
	}

	notif.UpdatedAt = notif.CreatedAt
	m.notifications[notif.ID] = notif.Clone()
	if notif.IdempotencyKey != nil {
		m.byKey[*notif.IdempotencyKey] = notif.ID
	}
	return nil
}

func (m *MemoryStore) GetNotification(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

func (m *MemoryStore) GetNotificationByIdempotencyKey(_ context.Context, key string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.notifications[id].Clone(), nil
}

func (m *MemoryStore) ClaimPending(_ context.Context, id uuid.UUID) (*Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.Status != StatusPending {
		return nil, false, nil
	}
	now := m.now()
	if n.NextRetryAt != nil && n.NextRetryAt.After(now) {
		return nil, false, nil
	}
	n.Status = StatusSending
	n.UpdatedAt = now
	return n.Clone(), true, nil
}

func (m *MemoryStore) UpdateIfStatus(_ context.Context, notif *Notification, expected Status) (bool, error) {
	if expected != notif.Status && !CanTransition(expected, notif.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, notif.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.notifications[notif.ID]
	if !ok || stored.Status != expected {
		return false, nil
	}

	stored.Status = notif.Status
	stored.RetryCount = notif.RetryCount
	stored.NextRetryAt = cloneTime(notif.NextRetryAt)
	stored.ErrorMessage = cloneString(notif.ErrorMessage)
	stored.ErrorCode = cloneString(notif.ErrorCode)
	stored.ProviderMessageID = cloneString(notif.ProviderMessageID)
	stored.SentAt = cloneTime(notif.SentAt)
	stored.ExpiresAt = notif.ExpiresAt
	stored.UpdatedAt = m.now()
	notif.UpdatedAt = stored.UpdatedAt
	return true, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, filter NotificationFilter) ([]*Notification, int64, error) {
	matched := m.collect(func(n *Notification) bool {
		return (filter.Status == "" || n.Status == filter.Status) &&
			(filter.Channel == "" || n.Channel == filter.Channel)
	}, func(a, b *Notification) bool { return a.CreatedAt.After(b.CreatedAt) })

	total := int64(len(matched))
	return page(matched, filter.Limit, filter.Offset), total, nil
}

func (m *MemoryStore) DueRetries(_ context.Context, now time.Time, limit int) ([]*Notification, error) {
	due := m.collect(func(n *Notification) bool {
		return n.Status == StatusPending && n.NextRetryAt != nil && !n.NextRetryAt.After(now)
	}, func(a, b *Notification) bool { return a.NextRetryAt.Before(*b.NextRetryAt) })
	return page(due, limit, 0), nil
}

func (m *MemoryStore) OrphanedPending(_ context.Context, createdBefore time.Time, limit int) ([]*Notification, error) {
	orphans := m.collect(func(n *Notification) bool {
		return n.Status == StatusPending && n.NextRetryAt == nil && !n.CreatedAt.After(createdBefore)
	}, func(a, b *Notification) bool { return a.CreatedAt.Before(b.CreatedAt) })
	return page(orphans, limit, 0), nil
}

func (m *MemoryStore) ExpiredPending(_ context.Context, now time.Time, limit int) ([]*Notification, error) {
	expired := m.collect(func(n *Notification) bool {
		return n.Status == StatusPending && n.ExpiresAt.Before(now)
	}, func(a, b *Notification) bool { return a.ExpiresAt.Before(b.ExpiresAt) })
	return page(expired, limit, 0), nil
}

func (m *MemoryStore) CountByStatusSince(_ context.Context, since time.Time) (map[Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int64)
	for _, n := range m.notifications {
		if !n.CreatedAt.Before(since) {
			counts[n.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) CountByChannelSince(_ context.Context, since time.Time) (map[Channel]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Channel]int64)
	for _, n := range m.notifications {
		if !n.CreatedAt.Before(since) {
			counts[n.Channel]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) CountByHourSince(_ context.Context, since time.Time) ([]HourlyCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byHour := make(map[time.Time]int64)
	for _, n := range m.notifications {
		if !n.CreatedAt.Before(since) {
			byHour[n.CreatedAt.UTC().Truncate(time.Hour)]++
		}
	}

	buckets := make([]HourlyCount, 0, len(byHour))
	for hour, count := range byHour {
		buckets = append(buckets, HourlyCount{Hour: hour, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Hour.Before(buckets[j].Hour) })
	return buckets, nil
}

func (m *MemoryStore) RecentByStatusSince(_ context.Context, status Status, since time.Time, limit int) ([]*Notification, error) {
	recent := m.collect(func(n *Notification) bool {
		return n.Status == status && !n.CreatedAt.Before(since)
	}, func(a, b *Notification) bool { return a.CreatedAt.After(b.CreatedAt) })
	return page(recent, limit, 0), nil
}

func (m *MemoryStore) FindActiveClient(_ context.Context, id int) (*ApiClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok || !c.Active {
		return nil, fmt.Errorf("client %d: %w", id, ErrNotFound)
	}
	client := *c
	client.AllowedChannels = append([]Channel(nil), c.AllowedChannels...)
	return &client, nil
}

func (m *MemoryStore) TouchClientLastUsed(_ context.Context, id int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[id]; ok {
		t := at
		c.LastUsedAt = &t
	}
	return nil
}

func (m *MemoryStore) GetEnabledChannelConfig(_ context.Context, channel Channel) (*ChannelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[channel]
	if !ok || !cfg.Enabled {
		return nil, fmt.Errorf("channel config %s: %w", channel, ErrNotFound)
	}
	c := *cfg
	c.Settings = cloneMap(cfg.Settings)
	return &c, nil
}

func (m *MemoryStore) IncrementDailySent(_ context.Context, channel Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg, ok := m.configs[channel]; ok {
		cfg.DailySentCount++
	}
	return nil
}

func (m *MemoryStore) ResetDailySent(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for _, cfg := range m.configs {
		if cfg.DailySentCount != 0 {
			cfg.DailySentCount = 0
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) UpdateChannelHealth(_ context.Context, channel Channel, status HealthStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg, ok := m.configs[channel]; ok {
		t := at
		cfg.HealthStatus = status
		cfg.LastHealthCheck = &t
	}
	return nil
}

func (m *MemoryStore) InsertAuditLogs(_ context.Context, entries []*AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.nextAuditID++
		c := *e
		c.ID = m.nextAuditID
		c.OldValue = cloneMap(e.OldValue)
		c.NewValue = cloneMap(e.NewValue)
		m.audit = append(m.audit, &c)
	}
	return nil
}

func (m *MemoryStore) ListAuditLogs(_ context.Context, filter AuditFilter) ([]*AuditLogEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*AuditLogEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.ActionType != "" && e.ActionType != filter.ActionType {
			continue
		}
		c := *e
		c.OldValue = cloneMap(e.OldValue)
		c.NewValue = cloneMap(e.NewValue)
		matched = append(matched, &c)
	}
	return page(matched, filter.Limit, filter.Offset), int64(len(matched)), nil
}

func (m *MemoryStore) collect(keep func(*Notification) bool, less func(a, b *Notification) bool) []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Notification
	for _, n := range m.notifications {
		if keep(n) {
			out = append(out, n.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
