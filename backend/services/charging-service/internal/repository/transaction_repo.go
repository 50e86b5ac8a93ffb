package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	libdb "flashcharge/backend/libs/db"
	"flashcharge/backend/services/charging-service/internal/models"
)

// TransactionRepository owns transactions and the connector status log.
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository returns repository.
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	t.transaction_pk, c.charge_box_id, c.connector_id, t.id_tag, t.start_timestamp, t.stop_timestamp, COALESCE(t.stop_reason, '')
`

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		tx   models.Transaction
		stop sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.ChargePointID, &tx.ConnectorID, &tx.IDTag, &tx.StartTimestamp, &stop, &tx.StopReason); err != nil {
		return nil, err
	}
	tx.StartTimestamp = tx.StartTimestamp.UTC()
	tx.StopTimestamp = nullableTime(stop)
	return &tx, nil
}

func notFound(tx *models.Transaction, err error) (*models.Transaction, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// Get loads a transaction by id.
func (r *TransactionRepository) Get(ctx context.Context, id int64) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions t
		JOIN connector c ON c.connector_pk = t.connector_pk
		WHERE t.transaction_pk = $1
	`
	return notFound(scanTransaction(r.db.QueryRowContext(ctx, query, id)))
}

// OpenByChargePoint returns the newest open transaction on any connector of a charge point.
func (r *TransactionRepository) OpenByChargePoint(ctx context.Context, chargePointID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions t
		JOIN connector c ON c.connector_pk = t.connector_pk
		WHERE c.charge_box_id = $1 AND t.stop_timestamp IS NULL
		ORDER BY t.start_timestamp DESC
		LIMIT 1
	`
	return notFound(scanTransaction(r.db.QueryRowContext(ctx, query, chargePointID)))
}

// OpenTransaction returns the open transaction of one connector, or nil when there is none.
func (r *TransactionRepository) OpenTransaction(ctx context.Context, chargePointID string, connectorID int) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions t
		JOIN connector c ON c.connector_pk = t.connector_pk
		WHERE c.charge_box_id = $1 AND c.connector_id = $2 AND t.stop_timestamp IS NULL
	`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, chargePointID, connectorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

// OpenByIDTag returns the newest open transaction started with idTag.
func (r *TransactionRepository) OpenByIDTag(ctx context.Context, idTag string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions t
		JOIN connector c ON c.connector_pk = t.connector_pk
		WHERE t.id_tag = $1 AND t.stop_timestamp IS NULL
		ORDER BY t.start_timestamp DESC
		LIMIT 1
	`
	return notFound(scanTransaction(r.db.QueryRowContext(ctx, query, idTag)))
}

// StartCheck is what a start precondition sees, read under the connector row lock.
type StartCheck struct {
	ChargePoint models.ChargePoint
	Connector   *models.ConnectorState
	Open        *models.Transaction
}

// StartParams describes a transaction to insert.
type StartParams struct {
	ChargePointID string
	ConnectorID   int
	IDTag         string
	At            time.Time
}

// Start inserts an open transaction and a Preparing status atomically. The connector row is
// locked for the duration so concurrent starts serialize; check runs under that lock and may
// veto the insert. The partial unique index on open transactions is the final guard.
func (r *TransactionRepository) Start(ctx context.Context, params StartParams, check func(StartCheck) error) (*models.Transaction, error) {
	var created *models.Transaction
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			cp        models.ChargePoint
			heartbeat sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT charge_box_id, last_heartbeat_timestamp FROM charge_box WHERE charge_box_id = $1`,
			params.ChargePointID,
		).Scan(&cp.ID, &heartbeat)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cp.LastHeartbeat = nullableTime(heartbeat)

		view := StartCheck{ChargePoint: cp}

		var connectorPK int
		err = tx.QueryRowContext(ctx,
			`SELECT connector_pk FROM connector WHERE charge_box_id = $1 AND connector_id = $2 FOR UPDATE`,
			params.ChargePointID, params.ConnectorID,
		).Scan(&connectorPK)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			state := models.ConnectorState{ConnectorPK: connectorPK, ConnectorID: params.ConnectorID}
			var (
				status sql.NullString
				ts     sql.NullTime
			)
			err = tx.QueryRowContext(ctx, `
				SELECT status, status_timestamp FROM connector_status
				WHERE connector_pk = $1
				ORDER BY status_timestamp DESC, id DESC
				LIMIT 1`, connectorPK,
			).Scan(&status, &ts)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			state.Status = status.String
			state.UpdatedAt = nullableTime(ts)
			view.Connector = &state

			open, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+`
				FROM transactions t
				JOIN connector c ON c.connector_pk = t.connector_pk
				WHERE t.connector_pk = $1 AND t.stop_timestamp IS NULL`, connectorPK))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			view.Open = open
		}

		if check != nil {
			if err := check(view); err != nil {
				return err
			}
		}
		if view.Connector == nil {
			return ErrNotFound
		}
		if view.Open != nil {
			return ErrOpenTransactionExists
		}

		created = &models.Transaction{
			ChargePointID:  params.ChargePointID,
			ConnectorID:    params.ConnectorID,
			IDTag:          params.IDTag,
			StartTimestamp: params.At.UTC(),
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO transactions (connector_pk, id_tag, start_timestamp) VALUES ($1, $2, $3) RETURNING transaction_pk`,
			connectorPK, params.IDTag, created.StartTimestamp,
		).Scan(&created.ID)
		if err != nil {
			if libdb.IsUniqueViolation(err) {
				return ErrOpenTransactionExists
			}
			return err
		}
		return insertStatus(ctx, tx, connectorPK, models.StatusPreparing, created.StartTimestamp)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// StopResult describes the outcome of Stop.
type StopResult struct {
	Transaction *models.Transaction
	ConnectorPK int
	// AlreadyStopped is set when the transaction was closed before this call.
	AlreadyStopped bool
}

// Stop closes an open transaction and records Finishing. Stopping a closed transaction
// is not an error and leaves the status log untouched.
func (r *TransactionRepository) Stop(ctx context.Context, transactionID int64, reason string, at time.Time) (*StopResult, error) {
	result := &StopResult{}
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			connectorPK int
			stop        sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT connector_pk, stop_timestamp FROM transactions WHERE transaction_pk = $1 FOR UPDATE`,
			transactionID,
		).Scan(&connectorPK, &stop)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		result.ConnectorPK = connectorPK

		if stop.Valid {
			result.AlreadyStopped = true
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE transactions SET stop_timestamp = $2, stop_reason = $3 WHERE transaction_pk = $1`,
				transactionID, at.UTC(), reason,
			); err != nil {
				return err
			}
			if err := insertStatus(ctx, tx, connectorPK, models.StatusFinishing, at.UTC()); err != nil {
				return err
			}
		}

		closed, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+`
			FROM transactions t
			JOIN connector c ON c.connector_pk = t.connector_pk
			WHERE t.transaction_pk = $1`, transactionID))
		if err != nil {
			return err
		}
		result.Transaction = closed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionStatus appends status `to` only if the connector's latest status is still `from`.
// It reports whether the row was written.
func (r *TransactionRepository) TransitionStatus(ctx context.Context, connectorPK int, from, to string, at time.Time) (bool, error) {
	written := false
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM connector WHERE connector_pk = $1 FOR UPDATE`, connectorPK); err != nil {
			return err
		}
		var current sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM connector_status
			WHERE connector_pk = $1
			ORDER BY status_timestamp DESC, id DESC
			LIMIT 1`, connectorPK,
		).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if current.String != from {
			return nil
		}
		if err := insertStatus(ctx, tx, connectorPK, to, at.UTC()); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

func insertStatus(ctx context.Context, tx *sql.Tx, connectorPK int, status string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO connector_status (connector_pk, status_timestamp, status, error_code) VALUES ($1, $2, $3, 'NoError')`,
		connectorPK, at, status,
	)
	return err
}
