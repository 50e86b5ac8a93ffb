package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flashcharge/backend/services/charging-service/internal/models"
)

// PrepaidRepository persists prepaid sessions.
type PrepaidRepository struct {
	db *sql.DB
}

// NewPrepaidRepository returns repository.
func NewPrepaidRepository(db *sql.DB) *PrepaidRepository {
	return &PrepaidRepository{db: db}
}

const prepaidColumns = `
	id, user_id, charger_id, connector_id, prepaid_amount, max_energy_wh, max_duration_sec,
	status, COALESCE(payment_id, ''), transaction_id, created_at, started_at, completed_at
`

func scanPrepaid(row scanner) (*models.PrepaidSession, error) {
	var (
		s         models.PrepaidSession
		txID      sql.NullInt64
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ChargePointID,
		&s.ConnectorID,
		&s.PrepaidAmount,
		&s.MaxEnergyWh,
		&s.MaxDurationSec,
		&s.Status,
		&s.PaymentID,
		&txID,
		&s.CreatedAt,
		&started,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	if txID.Valid {
		id := txID.Int64
		s.TransactionID = &id
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.StartedAt = nullableTime(started)
	s.CompletedAt = nullableTime(completed)
	return &s, nil
}

// Create inserts a pending session.
func (r *PrepaidRepository) Create(ctx context.Context, s *models.PrepaidSession) (*models.PrepaidSession, error) {
	query := `
		INSERT INTO prepaid_sessions (user_id, charger_id, connector_id, prepaid_amount, max_energy_wh, max_duration_sec, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + prepaidColumns
	return scanPrepaid(r.db.QueryRowContext(ctx, query,
		s.UserID,
		s.ChargePointID,
		s.ConnectorID,
		s.PrepaidAmount,
		s.MaxEnergyWh,
		s.MaxDurationSec,
		models.PrepaidPending,
	))
}

// Get loads a session by id.
func (r *PrepaidRepository) Get(ctx context.Context, id int64) (*models.PrepaidSession, error) {
	query := `SELECT ` + prepaidColumns + ` FROM prepaid_sessions WHERE id = $1`
	s, err := scanPrepaid(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListActive returns up to limit active sessions with id greater than afterID, by ascending id.
func (r *PrepaidRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]models.PrepaidSession, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + prepaidColumns + ` FROM prepaid_sessions WHERE status = $1 AND id > $2 ORDER BY id LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, models.PrepaidActive, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.PrepaidSession
	for rows.Next() {
		s, err := scanPrepaid(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// Activate moves a pending session to active with its payment reference.
func (r *PrepaidRepository) Activate(ctx context.Context, id int64, paymentID string, at time.Time) error {
	return r.transition(ctx,
		`UPDATE prepaid_sessions SET status = $3, payment_id = $4, started_at = $5 WHERE id = $1 AND status = $2`,
		id, models.PrepaidPending, models.PrepaidActive, paymentID, at.UTC(),
	)
}

// Revert returns a session to a previous status, used when a follow-up action fails.
func (r *PrepaidRepository) Revert(ctx context.Context, id int64, from, to string) error {
	return r.transition(ctx,
		`UPDATE prepaid_sessions SET status = $3, completed_at = NULL WHERE id = $1 AND status = $2`,
		id, from, to,
	)
}

// Complete claims an active session for completion. Only one caller can succeed;
// the rest get ErrStateChanged.
func (r *PrepaidRepository) Complete(ctx context.Context, id int64, at time.Time) error {
	return r.transition(ctx,
		`UPDATE prepaid_sessions SET status = $3, completed_at = $4 WHERE id = $1 AND status = $2`,
		id, models.PrepaidActive, models.PrepaidCompleted, at.UTC(),
	)
}

// BindTransaction records the transaction that serves the session, if not yet bound.
func (r *PrepaidRepository) BindTransaction(ctx context.Context, id, transactionID int64) error {
	const query = `UPDATE prepaid_sessions SET transaction_id = $2 WHERE id = $1 AND transaction_id IS NULL`
	_, err := r.db.ExecContext(ctx, query, id, transactionID)
	return err
}

func (r *PrepaidRepository) transition(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStateChanged
	}
	return nil
}
