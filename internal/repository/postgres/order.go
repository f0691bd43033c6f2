package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

const orderColumns = `id, status, assigned_driver_id, assigned_driver_name, client_id, pricing, payment_method, addresses,
	created_at, expires_at, accepted_at, completed_at, cancelled_at, cancelled_by, cancel_reason`

// activeStatuses are the non-terminal statuses, used by the active-order lookups.
var activeStatuses = []string{
	string(domain.OrderStatusPending),
	string(domain.OrderStatusAccepted),
	string(domain.OrderStatusDriverEnroute),
	string(domain.OrderStatusDriverArrived),
	string(domain.OrderStatusInProgress),
	string(domain.OrderStatusCompleted),
	string(domain.OrderStatusPaymentPending),
	string(domain.OrderStatusPaymentFailed),
}

// OrderRepository is a PostgreSQL implementation of repository.OrderRepository.
type OrderRepository struct {
	db *sql.DB
	q  Querier
}

// NewOrderRepository creates a new PostgreSQL order repository.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db, q: db}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	args, err := orderArgs(order)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, query, args...)
	return err
}

// GetByID retrieves an order by ID.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return scanOrder(r.q.QueryRowContext(ctx, query, id))
}

// Update loads the order with a row lock, applies fn and writes it back in one transaction.
func (r *OrderRepository) Update(ctx context.Context, id string, fn repository.UpdateFunc) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	order, err := r.update(ctx, tx, id, fn)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) update(ctx context.Context, q Querier, id string, fn repository.UpdateFunc) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := fn(order); err != nil {
		return nil, err
	}

	update := `
		UPDATE orders
		SET status = $2, assigned_driver_id = $3, assigned_driver_name = $4, client_id = $5, pricing = $6,
			payment_method = $7, addresses = $8, created_at = $9, expires_at = $10, accepted_at = $11,
			completed_at = $12, cancelled_at = $13, cancelled_by = $14, cancel_reason = $15
		WHERE id = $1
	`

	args, err := orderArgs(order)
	if err != nil {
		return nil, err
	}

	result, err := q.ExecContext(ctx, update, args...)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, repository.ErrNotFound
	}

	return order, nil
}

// ListByStatus retrieves one page of orders in the given status, oldest first.
func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus, after repository.OrderCursor, limit int) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1 AND (created_at, id::text) > ($2, $3)
		ORDER BY created_at ASC, id::text ASC LIMIT $4`

	rows, err := r.q.QueryContext(ctx, query, status, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// GetActiveByClientID retrieves the most recent non-terminal order of a client.
func (r *OrderRepository) GetActiveByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders WHERE client_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`
	return r.getActive(ctx, query, clientID)
}

// GetActiveByDriverID retrieves the non-terminal order assigned to a driver.
func (r *OrderRepository) GetActiveByDriverID(ctx context.Context, driverID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders WHERE assigned_driver_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`
	return r.getActive(ctx, query, driverID)
}

func (r *OrderRepository) getActive(ctx context.Context, query, id string) (*domain.Order, error) {
	order, err := scanOrder(r.q.QueryRowContext(ctx, query, id, pq.Array(activeStatuses)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var assignedDriverID, assignedDriverName, clientID, cancelledBy, cancelReason sql.NullString
	var pricing, addresses []byte
	var acceptedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.Status,
		&assignedDriverID,
		&assignedDriverName,
		&clientID,
		&pricing,
		&order.PaymentMethod,
		&addresses,
		&order.CreatedAt,
		&order.ExpiresAt,
		&acceptedAt,
		&completedAt,
		&cancelledAt,
		&cancelledBy,
		&cancelReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(pricing, &order.Pricing); err != nil {
		return nil, fmt.Errorf("decode pricing of order %s: %w", order.ID, err)
	}
	if err := json.Unmarshal(addresses, &order.Addresses); err != nil {
		return nil, fmt.Errorf("decode addresses of order %s: %w", order.ID, err)
	}

	order.AssignedDriverID = assignedDriverID.String
	order.AssignedDriverName = assignedDriverName.String
	order.ClientID = clientID.String
	order.CancelledBy = domain.ActorRole(cancelledBy.String)
	order.CancelReason = cancelReason.String
	if acceptedAt.Valid {
		order.AcceptedAt = acceptedAt.Time
	}
	if completedAt.Valid {
		order.CompletedAt = completedAt.Time
	}
	if cancelledAt.Valid {
		order.CancelledAt = cancelledAt.Time
	}

	return &order, nil
}

func orderArgs(order *domain.Order) ([]any, error) {
	pricing, err := json.Marshal(order.Pricing)
	if err != nil {
		return nil, err
	}
	addresses, err := json.Marshal(order.Addresses)
	if err != nil {
		return nil, err
	}

	return []any{
		order.ID,
		order.Status,
		nullString(order.AssignedDriverID),
		nullString(order.AssignedDriverName),
		nullString(order.ClientID),
		pricing,
		order.PaymentMethod,
		addresses,
		order.CreatedAt,
		order.ExpiresAt,
		nullTime(order.AcceptedAt),
		nullTime(order.CompletedAt),
		nullTime(order.CancelledAt),
		nullString(string(order.CancelledBy)),
		nullString(order.CancelReason),
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
