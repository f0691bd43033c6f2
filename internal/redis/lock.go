package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockStore handles distributed locking in Redis.
type LockStore struct {
	client *redis.Client
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

// AcquireChargeLock attempts to take the charge lock of an order.
// The TTL bounds how long a crashed instance can block settlement.
// Returns true if the lock was acquired, false if already held.
func (s *LockStore) AcquireChargeLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:charge:%s", orderID)

	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

// ReleaseChargeLock releases the charge lock of an order.
func (s *LockStore) ReleaseChargeLock(ctx context.Context, orderID string) error {
	key := fmt.Sprintf("lock:charge:%s", orderID)

	return s.client.Del(ctx, key).Err()
}
