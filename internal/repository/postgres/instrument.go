package postgres

import (
	"context"
	"database/sql"
	"errors"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// InstrumentRepository is a PostgreSQL implementation of repository.InstrumentRepository.
type InstrumentRepository struct {
	q Querier
}

// NewInstrumentRepository creates a new PostgreSQL instrument repository.
func NewInstrumentRepository(db *sql.DB) *InstrumentRepository {
	return &InstrumentRepository{q: db}
}

// GetDefaultByClientID retrieves the default instrument of a client.
func (r *InstrumentRepository) GetDefaultByClientID(ctx context.Context, clientID string) (*domain.PaymentInstrument, error) {
	query := `
		SELECT id, client_id, gateway_reference, brand, last4, is_default
		FROM payment_instruments
		WHERE client_id = $1 AND is_default
		ORDER BY created_at DESC LIMIT 1
	`

	var inst domain.PaymentInstrument
	err := r.q.QueryRowContext(ctx, query, clientID).Scan(
		&inst.ID,
		&inst.ClientID,
		&inst.Reference,
		&inst.Brand,
		&inst.Last4,
		&inst.IsDefault,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return &inst, nil
}
