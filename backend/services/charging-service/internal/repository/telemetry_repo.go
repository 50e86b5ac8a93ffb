package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"flashcharge/backend/services/charging-service/internal/models"
)

// TelemetryRepository reads status, meter values and vendor messages.
type TelemetryRepository struct {
	db *sql.DB
}

// NewTelemetryRepository returns repository.
func NewTelemetryRepository(db *sql.DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// LatestStatus returns the newest status of a connector, or "" when none was recorded.
// ErrNotFound means the connector itself is unknown.
func (r *TelemetryRepository) LatestStatus(ctx context.Context, chargePointID string, connectorID int) (string, error) {
	const query = `
		SELECT cs.status
		FROM connector c
		LEFT JOIN LATERAL (
			SELECT status
			FROM connector_status
			WHERE connector_pk = c.connector_pk
			ORDER BY status_timestamp DESC, id DESC
			LIMIT 1
		) cs ON TRUE
		WHERE c.charge_box_id = $1 AND c.connector_id = $2
	`
	var status sql.NullString
	err := r.db.QueryRowContext(ctx, query, chargePointID, connectorID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return status.String, nil
}

// LatestVehicleInfo returns the newest vehicle info message received at or after since.
func (r *TelemetryRepository) LatestVehicleInfo(ctx context.Context, chargePointID string, since time.Time) (*models.VehicleInfoMessage, error) {
	const query = `
		SELECT charge_box_id, message_id, COALESCE(data, ''), received_at
		FROM data_transfer
		WHERE charge_box_id = $1 AND message_id = $2 AND received_at >= $3
		ORDER BY received_at DESC
		LIMIT 1
	`
	var msg models.VehicleInfoMessage
	err := r.db.QueryRowContext(ctx, query, chargePointID, models.VehicleInfoMessageID, since).
		Scan(&msg.ChargePointID, &msg.MessageID, &msg.Data, &msg.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	return &msg, nil
}

// numericValue matches meter values that parse as a float. Rows failing it never shadow an
// older usable reading of the same measurand.
const numericValue = `^\s*[-+]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][-+]?[0-9]+)?\s*$`

// LatestReadings returns the newest numeric reading of every measurand the connector reported
// at or after since, newest first. Each measurand is looked up on its own, so a chatty
// measurand cannot push a sparse one out of the result.
func (r *TelemetryRepository) LatestReadings(ctx context.Context, chargePointID string, connectorID int, since time.Time) ([]models.MeterReading, error) {
	const query = `
		SELECT measurand, value, unit, value_timestamp, transaction_pk
		FROM (
			SELECT DISTINCT ON (cmv.measurand)
				cmv.measurand, cmv.value, COALESCE(cmv.unit, '') AS unit, cmv.value_timestamp, cmv.transaction_pk
			FROM connector_meter_value cmv
			JOIN connector c ON c.connector_pk = cmv.connector_pk
			WHERE c.charge_box_id = $1 AND c.connector_id = $2 AND cmv.value_timestamp >= $3
				AND cmv.value ~ $4
			ORDER BY cmv.measurand, cmv.value_timestamp DESC
		) latest
		ORDER BY value_timestamp DESC
	`
	rows, err := r.db.QueryContext(ctx, query, chargePointID, connectorID, since, numericValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

// PowerReadings returns every Power.Active.Import reading of the connector at or after since,
// newest first. since should be a short window; the result is not capped.
func (r *TelemetryRepository) PowerReadings(ctx context.Context, chargePointID string, connectorID int, since time.Time) ([]models.MeterReading, error) {
	const query = `
		SELECT cmv.measurand, cmv.value, COALESCE(cmv.unit, ''), cmv.value_timestamp, cmv.transaction_pk
		FROM connector_meter_value cmv
		JOIN connector c ON c.connector_pk = cmv.connector_pk
		WHERE c.charge_box_id = $1 AND c.connector_id = $2 AND cmv.measurand = $3
			AND cmv.value_timestamp >= $4
		ORDER BY cmv.value_timestamp DESC
	`
	rows, err := r.db.QueryContext(ctx, query, chargePointID, connectorID, models.MeasurandPower, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

// LatestTransactionReading returns the newest reading of measurand bound to a transaction.
func (r *TelemetryRepository) LatestTransactionReading(ctx context.Context, transactionID int64, measurand string) (*models.MeterReading, error) {
	const query = `
		SELECT measurand, value, COALESCE(unit, ''), value_timestamp, transaction_pk
		FROM connector_meter_value
		WHERE transaction_pk = $1 AND measurand = $2
		ORDER BY value_timestamp DESC
		LIMIT 1
	`
	rows, err := r.db.QueryContext(ctx, query, transactionID, measurand)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, ErrNotFound
	}
	return &readings[0], nil
}

func scanReadings(rows *sql.Rows) ([]models.MeterReading, error) {
	var readings []models.MeterReading
	for rows.Next() {
		var (
			rd   models.MeterReading
			raw  string
			txID sql.NullInt64
		)
		if err := rows.Scan(&rd.Measurand, &raw, &rd.Unit, &rd.Timestamp, &txID); err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		rd.Value = value
		rd.Timestamp = rd.Timestamp.UTC()
		if txID.Valid {
			id := txID.Int64
			rd.TransactionID = &id
		}
		readings = append(readings, rd)
	}
	return readings, rows.Err()
}
