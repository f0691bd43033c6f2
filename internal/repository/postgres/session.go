package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// SessionRepository is a PostgreSQL implementation of repository.SessionRepository.
type SessionRepository struct {
	q Querier
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{q: db}
}

// Create persists a new session.
func (r *SessionRepository) Create(ctx context.Context, session *domain.DriverSession) error {
	query := `
		INSERT INTO driver_sessions (id, driver_id, driver_name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.q.ExecContext(ctx, query,
		session.ID,
		session.DriverID,
		session.DriverName,
		session.CreatedAt,
		session.ExpiresAt,
	)

	return err
}

// GetByID retrieves a session by ID. Connections and the opt-in flag are
// live state and are never stored.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.DriverSession, error) {
	query := `SELECT id, driver_id, driver_name, created_at, expires_at FROM driver_sessions WHERE id = $1`

	var sessionID, driverID, name string
	var createdAt, expiresAt time.Time
	err := r.q.QueryRowContext(ctx, query, id).Scan(&sessionID, &driverID, &name, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	session := domain.NewDriverSession(sessionID, driverID, name, createdAt, 0)
	session.ExpiresAt = expiresAt
	return session, nil
}

// Touch moves the expiry of a session.
func (r *SessionRepository) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	query := `UPDATE driver_sessions SET expires_at = $1 WHERE id = $2`

	result, err := r.q.ExecContext(ctx, query, expiresAt, id)
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

// DeleteExpired removes sessions whose expiry is before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM driver_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
