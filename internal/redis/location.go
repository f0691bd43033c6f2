package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
)

const orderLocationPrefix = "location:order:"

// LocationStore keeps the latest driver position per order in Redis.
type LocationStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocationStore creates a new LocationStore. Entries expire after ttl even if
// the order is never discarded explicitly.
func NewLocationStore(client *redis.Client, ttl time.Duration) *LocationStore {
	return &LocationStore{client: client, ttl: ttl}
}

// SetDriverLocation overwrites the cached position for an order.
func (s *LocationStore) SetDriverLocation(ctx context.Context, loc *domain.DriverLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, orderLocationPrefix+loc.OrderID, data, s.ttl).Err()
}

// GetDriverLocation returns the cached position, or nil if none was reported yet.
func (s *LocationStore) GetDriverLocation(ctx context.Context, orderID string) (*domain.DriverLocation, error) {
	data, err := s.client.Get(ctx, orderLocationPrefix+orderID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var loc domain.DriverLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// DeleteDriverLocation discards the cached position for an order.
func (s *LocationStore) DeleteDriverLocation(ctx context.Context, orderID string) error {
	return s.client.Del(ctx, orderLocationPrefix+orderID).Err()
}
