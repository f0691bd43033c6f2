package repository

import (
	"context"
	"time"

	"ridedispatch/internal/domain"
)

// DriverRepository defines the read operations this core needs on driver accounts.
type DriverRepository interface {
	// GetByID retrieves a driver by ID.
	GetByID(ctx context.Context, id string) (*domain.Driver, error)
}

// SessionRepository defines the persistence operations for driver sessions.
type SessionRepository interface {
	// Create persists a new session.
	Create(ctx context.Context, session *domain.DriverSession) error

	// GetByID retrieves a session by ID.
	GetByID(ctx context.Context, id string) (*domain.DriverSession, error)

	// Touch moves the expiry of a session.
	Touch(ctx context.Context, id string, expiresAt time.Time) error

	// DeleteExpired removes sessions whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
