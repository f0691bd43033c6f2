package postgres

import (
	"context"
	"database/sql"
	"errors"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// DriverRepository is a PostgreSQL implementation of repository.DriverRepository.
type DriverRepository struct {
	q Querier
}

// NewDriverRepository creates a new PostgreSQL driver repository.
func NewDriverRepository(db *sql.DB) *DriverRepository {
	return &DriverRepository{q: db}
}

// GetByID retrieves a driver by ID.
func (r *DriverRepository) GetByID(ctx context.Context, id string) (*domain.Driver, error) {
	query := `SELECT id, COALESCE(name, '') FROM drivers WHERE id = $1`

	var driver domain.Driver
	err := r.q.QueryRowContext(ctx, query, id).Scan(&driver.ID, &driver.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return &driver, nil
}
