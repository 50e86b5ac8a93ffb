package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
)

// DirectStore is the storage the self-contained control path writes to.
type DirectStore interface {
	Start(ctx context.Context, params repository.StartParams, check func(repository.StartCheck) error) (*models.Transaction, error)
	Stop(ctx context.Context, transactionID int64, reason string, at time.Time) (*repository.StopResult, error)
}

// StopReasonRemote is recorded on transactions closed by this service.
const StopReasonRemote = "Remote"

// DirectControl implements ChargeControl by writing transactions and statuses directly,
// for deployments without a reachable central system API.
type DirectControl struct {
	store           DirectStore
	scheduler       *StatusScheduler
	onlineThreshold time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

// NewDirectControl builds the direct path.
func NewDirectControl(store DirectStore, scheduler *StatusScheduler, onlineThreshold time.Duration, logger *zap.Logger) *DirectControl {
	if onlineThreshold <= 0 {
		onlineThreshold = 60 * time.Second
	}
	return &DirectControl{
		store:           store,
		scheduler:       scheduler,
		onlineThreshold: onlineThreshold,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          logger,
	}
}

// StartCharging opens a transaction when the charger is online and the connector idle.
func (d *DirectControl) StartCharging(ctx context.Context, cmd clients.StartCommand) (*clients.CommandResult, error) {
	const op = "direct start"
	now := d.now()

	tx, err := d.store.Start(ctx, repository.StartParams{
		ChargePointID: cmd.ChargePointID,
		ConnectorID:   cmd.ConnectorID,
		IDTag:         cmd.IDTag,
		At:            now,
	}, func(check repository.StartCheck) error {
		return d.precondition(check, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrOpenTransactionExists):
		return nil, newError(KindConflict, op, ErrTransactionAlreadyActive)
	case errors.Is(err, repository.ErrNotFound):
		return nil, newError(KindNotFound, op, ErrChargerNotFound)
	default:
		var typed *Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, newError(KindInternal, op, err)
	}

	d.logger.Info("transaction opened",
		zap.String("charger_id", cmd.ChargePointID),
		zap.Int("connector_id", cmd.ConnectorID),
		zap.Int64("transaction_id", tx.ID),
	)
	id := tx.ID
	return &clients.CommandResult{Success: true, Status: "Accepted", TransactionID: &id}, nil
}

func (d *DirectControl) precondition(check repository.StartCheck, now time.Time) error {
	const op = "direct start"
	if !check.ChargePoint.Online(now, d.onlineThreshold) {
		return newError(KindUnavailable, op, ErrChargerOffline)
	}
	if check.Connector == nil {
		return newError(KindNotFound, op, ErrConnectorNotFound)
	}
	if check.Open != nil {
		return newError(KindConflict, op, ErrTransactionAlreadyActive)
	}
	status := check.Connector.Status
	if status == "" {
		status = models.StatusAvailable
	}
	if !models.CanStart(status) {
		return newError(KindConflict, op, ErrConnectorBusy)
	}
	return nil
}

// StopCharging closes the transaction, records Finishing and arms the return to Available.
func (d *DirectControl) StopCharging(ctx context.Context, cmd clients.StopCommand) (*clients.CommandResult, error) {
	const op = "direct stop"
	res, err := d.store.Stop(ctx, cmd.TransactionID, StopReasonRemote, d.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, op, ErrTransactionNotFound)
	}
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	if res.AlreadyStopped {
		return &clients.CommandResult{Success: true, Status: "AlreadyStopped"}, nil
	}
	if d.scheduler != nil {
		d.scheduler.ScheduleAvailable(res.ConnectorPK)
	}
	d.logger.Info("transaction closed",
		zap.String("charger_id", cmd.ChargePointID),
		zap.Int64("transaction_id", cmd.TransactionID),
	)
	return &clients.CommandResult{Success: true, Status: "Accepted"}, nil
}
