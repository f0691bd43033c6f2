package redis

import (
	"context"
	"time"

	"ridedispatch/internal/domain"
)

// LocationStoreInterface defines the interface for per-order location caching.
type LocationStoreInterface interface {
	SetDriverLocation(ctx context.Context, loc *domain.DriverLocation) error
	GetDriverLocation(ctx context.Context, orderID string) (*domain.DriverLocation, error)
	DeleteDriverLocation(ctx context.Context, orderID string) error
}

// LockStoreInterface defines the interface for distributed locking.
type LockStoreInterface interface {
	AcquireChargeLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	ReleaseChargeLock(ctx context.Context, orderID string) error
}

// CacheStoreInterface defines the interface for order read caching.
type CacheStoreInterface interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	SetOrder(ctx context.Context, order *domain.Order) error
	InvalidateOrder(ctx context.Context, orderID string) error
}

// Ensure concrete types implement interfaces.
var (
	_ LocationStoreInterface = (*LocationStore)(nil)
	_ LockStoreInterface     = (*LockStore)(nil)
	_ CacheStoreInterface    = (*CacheStore)(nil)
)
