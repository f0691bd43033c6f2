package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
)

// CacheStore handles entity caching in Redis.
type CacheStore struct {
	client *redis.Client
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client}
}

// OrderCacheTTL is short because polling clients must see transitions quickly
// even if an invalidation is lost.
const OrderCacheTTL = 5 * time.Second

const orderCachePrefix = "cache:order:"

// CachedOrder represents a cached order entity.
type CachedOrder struct {
	ID                 string           `json:"id"`
	Status             string           `json:"status"`
	AssignedDriverID   string           `json:"assigned_driver_id"`
	AssignedDriverName string           `json:"assigned_driver_name"`
	ClientID           string           `json:"client_id"`
	Pricing            domain.Pricing   `json:"pricing"`
	PaymentMethod      string           `json:"payment_method"`
	Addresses          []domain.Address `json:"addresses"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpiresAt          time.Time        `json:"expires_at"`
	AcceptedAt         time.Time        `json:"accepted_at"`
	CompletedAt        time.Time        `json:"completed_at"`
	CancelledAt        time.Time        `json:"cancelled_at"`
	CancelledBy        string           `json:"cancelled_by"`
	CancelReason       string           `json:"cancel_reason"`
}

// GetOrder retrieves an order from cache. Returns nil on a cache miss.
func (s *CacheStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	data, err := s.client.Get(ctx, orderCachePrefix+orderID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var cached CachedOrder
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return cached.toDomain(), nil
}

// SetOrder stores an order in cache.
func (s *CacheStore) SetOrder(ctx context.Context, order *domain.Order) error {
	data, err := json.Marshal(fromDomain(order))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, orderCachePrefix+order.ID, data, OrderCacheTTL).Err()
}

// InvalidateOrder removes an order from cache.
func (s *CacheStore) InvalidateOrder(ctx context.Context, orderID string) error {
	return s.client.Del(ctx, orderCachePrefix+orderID).Err()
}

func fromDomain(o *domain.Order) *CachedOrder {
	return &CachedOrder{
		ID:                 o.ID,
		Status:             string(o.Status),
		AssignedDriverID:   o.AssignedDriverID,
		AssignedDriverName: o.AssignedDriverName,
		ClientID:           o.ClientID,
		Pricing:            o.Pricing,
		PaymentMethod:      string(o.PaymentMethod),
		Addresses:          o.Addresses,
		CreatedAt:          o.CreatedAt,
		ExpiresAt:          o.ExpiresAt,
		AcceptedAt:         o.AcceptedAt,
		CompletedAt:        o.CompletedAt,
		CancelledAt:        o.CancelledAt,
		CancelledBy:        string(o.CancelledBy),
		CancelReason:       o.CancelReason,
	}
}

func (c *CachedOrder) toDomain() *domain.Order {
	return &domain.Order{
		ID:                 c.ID,
		Status:             domain.OrderStatus(c.Status),
		AssignedDriverID:   c.AssignedDriverID,
		AssignedDriverName: c.AssignedDriverName,
		ClientID:           c.ClientID,
		Pricing:            c.Pricing,
		PaymentMethod:      domain.PaymentMethod(c.PaymentMethod),
		Addresses:          c.Addresses,
		CreatedAt:          c.CreatedAt,
		ExpiresAt:          c.ExpiresAt,
		AcceptedAt:         c.AcceptedAt,
		CompletedAt:        c.CompletedAt,
		CancelledAt:        c.CancelledAt,
		CancelledBy:        domain.ActorRole(c.CancelledBy),
		CancelReason:       c.CancelReason,
	}
}
