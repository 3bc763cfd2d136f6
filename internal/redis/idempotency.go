package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyTTL matches the default notification lifetime.
const IdempotencyTTL = 24 * time.Hour

// IdempotencyEntry is the cached mapping from an idempotency key to the
// notification it created.
type IdempotencyEntry struct {
	NotificationID string `json:"notification_id"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyCache is a read-through shortcut in front of the store's unique
// idempotency index. A miss or a Redis error always falls back to the store.
type IdempotencyCache struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyCache creates a cache keeping entries for ttl.
func NewIdempotencyCache(client *Client, ttl time.Duration, logger *zap.Logger) *IdempotencyCache {
	if ttl <= 0 {
		ttl = IdempotencyTTL
	}
	return &IdempotencyCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *IdempotencyCache) buildKey(idempotencyKey string) string {
	return "idempotency:" + idempotencyKey
}

// Lookup returns the notification id remembered for key.
func (c *IdempotencyCache) Lookup(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := c.client.rdb.Get(ctx, c.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry IdempotencyEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return uuid.Nil, false, fmt.Errorf("invalid cached entry: %w", err)
	}
	id, err := uuid.Parse(entry.NotificationID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("invalid cached notification id: %w", err)
	}

	c.logger.Debug("idempotency cache hit",
		zap.String("idempotency_key", key),
		zap.String("notification_id", entry.NotificationID),
	)
	return id, true, nil
}

// Remember maps key to id. An existing mapping is left untouched.
func (c *IdempotencyCache) Remember(ctx context.Context, key string, id uuid.UUID) error {
	data, err := json.Marshal(IdempotencyEntry{
		NotificationID: id.String(),
		CreatedAt:      time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := c.client.rdb.SetNX(ctx, c.buildKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	return nil
}
