package redis

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Lock is a best-effort cluster-wide lease. It only keeps replicas from
// repeating the same periodic work; correctness never depends on holding it.
type Lock struct {
	client *Client
	owner  string
}

// NewLock creates a lock whose leases are tagged with the host name.
func NewLock(client *Client) *Lock {
	owner, err := os.Hostname()
	if err != nil || owner == "" {
		owner = "unknown"
	}
	return &Lock{client: client, owner: owner}
}

// TryAcquire takes the named lease for ttl. It returns false if another
// holder's lease has not expired. The lease is never released early.
func (l *Lock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, "lock:"+name, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}
