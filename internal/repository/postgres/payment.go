package postgres

import (
	"context"
	"database/sql"
	"errors"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

const paymentColumns = `id, order_id, amount, currency, method, status, charge_id, card_brand, card_last4, idempotency_key, created_at`

// PaymentRepository is a PostgreSQL implementation of repository.PaymentRepository.
type PaymentRepository struct {
	q Querier
}

// NewPaymentRepository creates a new PostgreSQL payment repository.
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{q: db}
}

// Create persists a new settlement record.
func (r *PaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.ExecContext(ctx, query,
		payment.ID,
		payment.OrderID,
		payment.Amount,
		payment.Currency,
		payment.Method,
		payment.Status,
		nullString(payment.ChargeID),
		nullString(payment.CardBrand),
		nullString(payment.CardLast4),
		payment.IdempotencyKey,
		payment.CreatedAt,
	)

	return err
}

// GetByOrderID retrieves the settlement of an order. A successful record
// wins over refunded ones from earlier attempts.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1
		ORDER BY (status = $2) DESC, created_at DESC LIMIT 1`
	return scanPayment(r.q.QueryRowContext(ctx, query, orderID, domain.PaymentStatusSuccess))
}

// GetByIdempotencyKey retrieves a payment by its idempotency key.
// Returns nil if no payment exists with the given key.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, key))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return payment, err
}

// UpdateStatus updates the status of a payment.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error {
	query := `UPDATE payments SET status = $1 WHERE id = $2`

	result, err := r.q.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var payment domain.Payment
	var chargeID, cardBrand, cardLast4 sql.NullString

	err := row.Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Amount,
		&payment.Currency,
		&payment.Method,
		&payment.Status,
		&chargeID,
		&cardBrand,
		&cardLast4,
		&payment.IdempotencyKey,
		&payment.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	payment.ChargeID = chargeID.String
	payment.CardBrand = cardBrand.String
	payment.CardLast4 = cardLast4.String

	return &payment, nil
}
