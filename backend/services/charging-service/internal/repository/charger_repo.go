package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flashcharge/backend/services/charging-service/internal/models"
)

// ChargerRepository reads charge points and their connectors.
type ChargerRepository struct {
	db *sql.DB
}

// NewChargerRepository returns repository.
func NewChargerRepository(db *sql.DB) *ChargerRepository {
	return &ChargerRepository{db: db}
}

// GetChargePoint loads a charge point by id.
func (r *ChargerRepository) GetChargePoint(ctx context.Context, chargePointID string) (*models.ChargePoint, error) {
	const query = `
		SELECT charge_box_id, last_heartbeat_timestamp
		FROM charge_box
		WHERE charge_box_id = $1
	`
	var (
		cp        models.ChargePoint
		heartbeat sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, chargePointID).Scan(&cp.ID, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		ts := heartbeat.Time.UTC()
		cp.LastHeartbeat = &ts
	}
	return &cp, nil
}

// ListConnectors returns every connector of a charge point with its latest status.
func (r *ChargerRepository) ListConnectors(ctx context.Context, chargePointID string) ([]models.ConnectorState, error) {
	const query = `
		SELECT c.connector_pk, c.connector_id, cs.status, cs.status_timestamp
		FROM connector c
		LEFT JOIN LATERAL (
			SELECT status, status_timestamp
			FROM connector_status
			WHERE connector_pk = c.connector_pk
			ORDER BY status_timestamp DESC, id DESC
			LIMIT 1
		) cs ON TRUE
		WHERE c.charge_box_id = $1
		ORDER BY c.connector_id
	`
	rows, err := r.db.QueryContext(ctx, query, chargePointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connectors []models.ConnectorState
	for rows.Next() {
		state, err := scanConnectorState(rows)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, state)
	}
	return connectors, rows.Err()
}

// GetConnector returns one connector with its latest status.
func (r *ChargerRepository) GetConnector(ctx context.Context, chargePointID string, connectorID int) (*models.ConnectorState, error) {
	const query = `
		SELECT c.connector_pk, c.connector_id, cs.status, cs.status_timestamp
		FROM connector c
		LEFT JOIN LATERAL (
			SELECT status, status_timestamp
			FROM connector_status
			WHERE connector_pk = c.connector_pk
			ORDER BY status_timestamp DESC, id DESC
			LIMIT 1
		) cs ON TRUE
		WHERE c.charge_box_id = $1 AND c.connector_id = $2
	`
	state, err := scanConnectorState(r.db.QueryRowContext(ctx, query, chargePointID, connectorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnectorState(row scanner) (models.ConnectorState, error) {
	var (
		state  models.ConnectorState
		status sql.NullString
		ts     sql.NullTime
	)
	if err := row.Scan(&state.ConnectorPK, &state.ConnectorID, &status, &ts); err != nil {
		return models.ConnectorState{}, err
	}
	state.Status = status.String
	if ts.Valid {
		t := ts.Time.UTC()
		state.UpdatedAt = &t
	}
	return state, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
