package repository

import (
	"context"

	"ridedispatch/internal/domain"
)

// PaymentRepository defines the persistence operations for settlement records.
type PaymentRepository interface {
	// Create persists a new settlement record.
	Create(ctx context.Context, payment *domain.Payment) error

	// GetByOrderID retrieves the settlement of an order, preferring the
	// successful record when earlier attempts were refunded.
	GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)

	// GetByIdempotencyKey retrieves a payment by its idempotency key.
	// Returns nil if no payment exists with the given key.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)

	// UpdateStatus updates the status of a payment.
	UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error
}

// InstrumentRepository reads clients' stored payment instruments.
type InstrumentRepository interface {
	// GetDefaultByClientID retrieves the default instrument of a client.
	GetDefaultByClientID(ctx context.Context, clientID string) (*domain.PaymentInstrument, error)
}
