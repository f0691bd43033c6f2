package repository

import (
	"context"
	"time"

	"ridedispatch/internal/domain"
)

// UpdateFunc mutates an order inside an atomic read-modify-write.
// Returning an error aborts the update and leaves the stored order untouched.
type UpdateFunc func(order *domain.Order) error

// OrderCursor marks the last order of a page. The zero value starts at the
// beginning.
type OrderCursor struct {
	CreatedAt time.Time
	ID        string
}

// OrderRepository defines the persistence operations for orders.
type OrderRepository interface {
	// Create persists a new order.
	Create(ctx context.Context, order *domain.Order) error

	// GetByID retrieves an order by ID.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// Update loads the order, applies fn and stores the result as one atomic step.
	Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Order, error)

	// ListByStatus retrieves up to limit orders in the given status that sort
	// after the cursor, oldest first.
	ListByStatus(ctx context.Context, status domain.OrderStatus, after OrderCursor, limit int) ([]*domain.Order, error)

	// GetActiveByClientID retrieves the most recent non-terminal order of a client.
	// Returns nil if none exists.
	GetActiveByClientID(ctx context.Context, clientID string) (*domain.Order, error)

	// GetActiveByDriverID retrieves the non-terminal order assigned to a driver.
	// Returns nil if none exists.
	GetActiveByDriverID(ctx context.Context, driverID string) (*domain.Order, error)
}
