package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/metrics"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
)

// ChargeControl issues remote start and stop commands.
type ChargeControl interface {
	StartCharging(ctx context.Context, cmd clients.StartCommand) (*clients.CommandResult, error)
	StopCharging(ctx context.Context, cmd clients.StopCommand) (*clients.CommandResult, error)
}

// TransactionLookup reads transactions.
type TransactionLookup interface {
	Get(ctx context.Context, id int64) (*models.Transaction, error)
	OpenByChargePoint(ctx context.Context, chargePointID string) (*models.Transaction, error)
}

// SnapshotInvalidator drops cached telemetry for a charger.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, chargePointID string) error
}

// Stop origins, used for logging and metrics. OriginTarget marks stops issued by a target
// controller on the user's behalf.
const (
	OriginUser    = "user"
	OriginPrepaid = "prepaid"
	OriginTarget  = "target"
)

// StartInput is a start request.
type StartInput struct {
	ChargePointID string
	ConnectorID   int
	IDTag         string
}

// StartOutcome is the result of a start.
type StartOutcome struct {
	Success       bool   `json:"success"`
	Status        string `json:"status,omitempty"`
	TransactionID *int64 `json:"transactionId,omitempty"`
	TaskID        *int64 `json:"taskId,omitempty"`
}

// StopInput is a stop request. TransactionID nil means the charger's open transaction.
type StopInput struct {
	ChargePointID string
	TransactionID *int64
	Origin        string
}

// StopOutcome is the result of a stop.
type StopOutcome struct {
	Success        bool   `json:"success"`
	TransactionID  int64  `json:"transactionId"`
	AlreadyStopped bool   `json:"alreadyStopped"`
	Status         string `json:"status,omitempty"`
}

// SessionResolver validates start/stop requests and forwards them to the charge control.
type SessionResolver struct {
	control      ChargeControl
	transactions TransactionLookup
	invalidator  SnapshotInvalidator
	stops        singleflight.Group
	logger       *zap.Logger
}

// NewSessionResolver builds resolver. invalidator may be nil.
func NewSessionResolver(control ChargeControl, transactions TransactionLookup, invalidator SnapshotInvalidator, logger *zap.Logger) *SessionResolver {
	return &SessionResolver{
		control:      control,
		transactions: transactions,
		invalidator:  invalidator,
		logger:       logger,
	}
}

// StartCharging forwards a start. It does not retry.
func (s *SessionResolver) StartCharging(ctx context.Context, in StartInput) (*StartOutcome, error) {
	const op = "start charging"
	in.ChargePointID = strings.TrimSpace(in.ChargePointID)
	in.IDTag = strings.TrimSpace(in.IDTag)
	if in.ChargePointID == "" || in.ConnectorID <= 0 || in.IDTag == "" {
		return nil, newError(KindValidation, op, errors.New("chargePointId, connectorId and idTag are required"))
	}

	res, err := s.control.StartCharging(ctx, clients.StartCommand{
		ChargePointID: in.ChargePointID,
		ConnectorID:   in.ConnectorID,
		IDTag:         in.IDTag,
	})
	if err != nil {
		metrics.ObserveStart("error")
		s.logger.Warn("start failed",
			zap.String("charger_id", in.ChargePointID),
			zap.Int("connector_id", in.ConnectorID),
			zap.Error(err),
		)
		return nil, upstream(op, err)
	}
	metrics.ObserveStart("ok")
	s.invalidate(ctx, in.ChargePointID)

	s.logger.Info("charging started",
		zap.String("charger_id", in.ChargePointID),
		zap.Int("connector_id", in.ConnectorID),
		zap.String("status", res.Status),
	)
	return &StartOutcome{
		Success:       true,
		Status:        res.Status,
		TransactionID: res.TransactionID,
		TaskID:        res.TaskID,
	}, nil
}

// StopCharging stops a transaction. Stopping an already closed transaction succeeds without
// contacting the charge control, and concurrent stops of the same transaction share one call.
func (s *SessionResolver) StopCharging(ctx context.Context, in StopInput) (*StopOutcome, error) {
	const op = "stop charging"
	in.ChargePointID = strings.TrimSpace(in.ChargePointID)
	if in.ChargePointID == "" {
		return nil, newError(KindValidation, op, errors.New("chargePointId is required"))
	}

	tx, err := s.resolveTransaction(ctx, in)
	if err != nil {
		metrics.ObserveStop(in.Origin, "rejected")
		return nil, err
	}
	if !tx.Open() {
		metrics.ObserveStop(in.Origin, "noop")
		s.logger.Info("stop ignored, transaction already closed",
			zap.String("charger_id", in.ChargePointID),
			zap.Int64("transaction_id", tx.ID),
			zap.String("origin", in.Origin),
		)
		return &StopOutcome{Success: true, TransactionID: tx.ID, AlreadyStopped: true}, nil
	}

	key := strconv.FormatInt(tx.ID, 10)
	v, err, shared := s.stops.Do(key, func() (any, error) {
		return s.control.StopCharging(context.WithoutCancel(ctx), clients.StopCommand{
			ChargePointID: in.ChargePointID,
			TransactionID: tx.ID,
		})
	})
	if err != nil {
		// the device may have closed the transaction on its own meanwhile
		if latest, getErr := s.transactions.Get(ctx, tx.ID); getErr == nil && !latest.Open() {
			metrics.ObserveStop(in.Origin, "noop")
			return &StopOutcome{Success: true, TransactionID: tx.ID, AlreadyStopped: true}, nil
		}
		metrics.ObserveStop(in.Origin, "error")
		s.logger.Warn("stop failed",
			zap.String("charger_id", in.ChargePointID),
			zap.Int64("transaction_id", tx.ID),
			zap.String("origin", in.Origin),
			zap.Error(err),
		)
		return nil, upstream(op, err)
	}
	s.invalidate(ctx, in.ChargePointID)

	res, _ := v.(*clients.CommandResult)
	out := &StopOutcome{Success: true, TransactionID: tx.ID}
	if res != nil {
		out.Status = res.Status
	}
	outcome := "ok"
	if shared {
		outcome = "shared"
	}
	metrics.ObserveStop(in.Origin, outcome)
	s.logger.Info("charging stopped",
		zap.String("charger_id", in.ChargePointID),
		zap.Int64("transaction_id", tx.ID),
		zap.String("origin", in.Origin),
		zap.Bool("shared", shared),
	)
	return out, nil
}

func (s *SessionResolver) resolveTransaction(ctx context.Context, in StopInput) (*models.Transaction, error) {
	const op = "stop charging"
	if in.TransactionID == nil {
		tx, err := s.transactions.OpenByChargePoint(ctx, in.ChargePointID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindNotFound, op, ErrNoActiveTransaction)
		}
		if err != nil {
			return nil, err
		}
		return tx, nil
	}

	tx, err := s.transactions.Get(ctx, *in.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, op, ErrTransactionNotFound)
	}
	if err != nil {
		return nil, err
	}
	if tx.ChargePointID != in.ChargePointID {
		return nil, newError(KindValidation, op, ErrTransactionMismatch)
	}
	return tx, nil
}

func (s *SessionResolver) invalidate(ctx context.Context, chargePointID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, chargePointID); err != nil {
		s.logger.Debug("snapshot invalidate failed", zap.String("charger_id", chargePointID), zap.Error(err))
	}
}

// upstream keeps typed errors from the charge control and tags everything else as an upstream failure.
func upstream(op string, err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return newError(KindUpstream, op, err)
}
