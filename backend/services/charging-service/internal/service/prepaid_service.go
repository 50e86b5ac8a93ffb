package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/metrics"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// PrepaidStore persists prepaid sessions.
type PrepaidStore interface {
	Create(ctx context.Context, s *models.PrepaidSession) (*models.PrepaidSession, error)
	Get(ctx context.Context, id int64) (*models.PrepaidSession, error)
	// ListActive pages active sessions by ascending id, starting after afterID.
	ListActive(ctx context.Context, afterID int64, limit int) ([]models.PrepaidSession, error)
	Activate(ctx context.Context, id int64, paymentID string, at time.Time) error
	Revert(ctx context.Context, id int64, from, to string) error
	Complete(ctx context.Context, id int64, at time.Time) error
	BindTransaction(ctx context.Context, id, transactionID int64) error
}

// PrepaidTransactions finds the transaction serving a session.
type PrepaidTransactions interface {
	Get(ctx context.Context, id int64) (*models.Transaction, error)
	OpenByIDTag(ctx context.Context, idTag string) (*models.Transaction, error)
}

// EnergyReader reads the cumulative energy register of a transaction.
type EnergyReader interface {
	LatestTransactionReading(ctx context.Context, transactionID int64, measurand string) (*models.MeterReading, error)
}

// SessionController starts and stops charging.
type SessionController interface {
	StartCharging(ctx context.Context, in StartInput) (*StartOutcome, error)
	StopCharging(ctx context.Context, in StopInput) (*StopOutcome, error)
}

// EstimateSource resolves a fresh snapshot, used to compare the register against the power estimate.
type EstimateSource interface {
	Fresh(ctx context.Context, chargePointID string) (telemetry.Snapshot, error)
}

// Reasons a prepaid session completes.
const (
	CompletedEnergyLimit   = "energy_limit"
	CompletedDurationLimit = "duration_limit"
	CompletedExternalStop  = "transaction_closed"
)

// CreatePrepaidInput describes a new prepaid session. MaxEnergyWh zero derives it from Amount.
type CreatePrepaidInput struct {
	UserID         int64
	ChargePointID  string
	ConnectorID    int
	Amount         float64
	MaxEnergyWh    float64
	MaxDurationSec int64
}

// StartPrepaidInput confirms payment for a session.
type StartPrepaidInput struct {
	UserID    int64
	SessionID int64
	PaymentID string
}

// PrepaidStatus is one monitoring observation.
type PrepaidStatus struct {
	SessionID       int64   `json:"sessionId"`
	Status          string  `json:"status"`
	CurrentEnergyWh float64 `json:"currentEnergy"`
	CurrentCost     float64 `json:"currentCost"`
	PercentComplete float64 `json:"percentComplete"`
	MaxEnergyWh     float64 `json:"maxEnergy"`
	PrepaidAmount   float64 `json:"prepaidAmount"`
	TransactionID   *int64  `json:"transactionId,omitempty"`
	CompletedReason string  `json:"completedReason,omitempty"`
}

// PrepaidService runs the prepaid session lifecycle: create, pay and start, then meter until the budget is spent.
type PrepaidService struct {
	store        PrepaidStore
	transactions PrepaidTransactions
	energy       EnergyReader
	sessions     SessionController
	estimates    EstimateSource
	model        battery.Model
	divergence   float64
	now          func() time.Time
	logger       *zap.Logger
}

// NewPrepaidService builds service. estimates may be nil to skip divergence checks.
func NewPrepaidService(
	store PrepaidStore,
	transactions PrepaidTransactions,
	energy EnergyReader,
	sessions SessionController,
	estimates EstimateSource,
	model battery.Model,
	logger *zap.Logger,
) *PrepaidService {
	return &PrepaidService{
		store:        store,
		transactions: transactions,
		energy:       energy,
		sessions:     sessions,
		estimates:    estimates,
		model:        model,
		divergence:   0.25,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
}

// Create stores a pending session.
func (s *PrepaidService) Create(ctx context.Context, in CreatePrepaidInput) (*models.PrepaidSession, error) {
	const op = "create prepaid session"
	in.ChargePointID = strings.TrimSpace(in.ChargePointID)
	if in.MaxEnergyWh == 0 && in.Amount > 0 {
		in.MaxEnergyWh = math.Floor(s.model.EnergyKWhFromCost(in.Amount) * 1000)
	}
	switch {
	case in.ChargePointID == "":
		return nil, newError(KindValidation, op, errors.New("chargerId is required"))
	case in.ConnectorID < 1 || in.ConnectorID > 10:
		return nil, newError(KindValidation, op, errors.New("connectorId must be within 1..10"))
	case in.Amount < 0.1 || in.Amount > 500:
		return nil, newError(KindValidation, op, errors.New("amount must be within 0.1..500"))
	case in.MaxEnergyWh < 10:
		return nil, newError(KindValidation, op, errors.New("maxEnergyWh must be at least 10"))
	case in.MaxDurationSec != 0 && in.MaxDurationSec < 10:
		return nil, newError(KindValidation, op, errors.New("maxDurationSec must be at least 10"))
	}

	session, err := s.store.Create(ctx, &models.PrepaidSession{
		UserID:         in.UserID,
		ChargePointID:  in.ChargePointID,
		ConnectorID:    in.ConnectorID,
		PrepaidAmount:  in.Amount,
		MaxEnergyWh:    in.MaxEnergyWh,
		MaxDurationSec: in.MaxDurationSec,
		Status:         models.PrepaidPending,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("prepaid session created",
		zap.Int64("session_id", session.ID),
		zap.Int64("user_id", session.UserID),
		zap.String("charger_id", session.ChargePointID),
		zap.Float64("max_energy_wh", session.MaxEnergyWh),
	)
	return session, nil
}

// Start records the payment, activates the session and starts charging with the session id tag.
// A failed start puts the session back to pending so it can be retried.
func (s *PrepaidService) Start(ctx context.Context, in StartPrepaidInput) (*StartOutcome, error) {
	const op = "start prepaid session"
	if strings.TrimSpace(in.PaymentID) == "" {
		return nil, newError(KindValidation, op, errors.New("paymentId is required"))
	}
	session, err := s.load(ctx, op, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.PrepaidPending {
		return nil, newError(KindConflict, op, fmt.Errorf("%w: %s", ErrSessionState, session.Status))
	}

	if err := s.store.Activate(ctx, session.ID, in.PaymentID, s.now()); err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			return nil, newError(KindConflict, op, ErrSessionState)
		}
		return nil, err
	}

	outcome, err := s.sessions.StartCharging(ctx, StartInput{
		ChargePointID: session.ChargePointID,
		ConnectorID:   session.ConnectorID,
		IDTag:         session.IDTag(),
	})
	if err != nil {
		if revertErr := s.store.Revert(context.WithoutCancel(ctx), session.ID, models.PrepaidActive, models.PrepaidPending); revertErr != nil {
			s.logger.Error("failed to revert prepaid session", zap.Int64("session_id", session.ID), zap.Error(revertErr))
		}
		return nil, err
	}
	if outcome.TransactionID != nil {
		if err := s.store.BindTransaction(ctx, session.ID, *outcome.TransactionID); err != nil {
			s.logger.Warn("failed to bind transaction", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}
	return outcome, nil
}

// Monitor observes a session once and completes it when a limit is reached.
// userID zero skips the ownership check, for the background watcher.
func (s *PrepaidService) Monitor(ctx context.Context, userID, sessionID int64) (*PrepaidStatus, error) {
	const op = "monitor prepaid session"
	session, err := s.load(ctx, op, userID, sessionID)
	if err != nil {
		return nil, err
	}

	status := &PrepaidStatus{
		SessionID:     session.ID,
		Status:        session.Status,
		MaxEnergyWh:   session.MaxEnergyWh,
		PrepaidAmount: session.PrepaidAmount,
		TransactionID: session.TransactionID,
	}
	if session.Status == models.PrepaidPending {
		return status, nil
	}

	tx, err := s.transactionFor(ctx, session)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		// paid, waiting for the charger to open the transaction
		status.Status = models.PrepaidPending
		return status, nil
	}
	id := tx.ID
	status.TransactionID = &id

	energyWh, err := s.energyWh(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	s.fill(status, energyWh)

	if session.Status != models.PrepaidActive {
		return status, nil
	}

	reason := s.completionReason(session, tx, energyWh)
	if reason == "" {
		s.checkDivergence(ctx, session, energyWh)
		return status, nil
	}

	claimed, err := s.complete(ctx, session, tx, reason)
	if err != nil {
		return nil, err
	}
	status.Status = models.PrepaidCompleted
	if claimed {
		status.CompletedReason = reason
	}
	return status, nil
}

func (s *PrepaidService) load(ctx context.Context, op string, userID, sessionID int64) (*models.PrepaidSession, error) {
	session, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, op, ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	if userID != 0 && session.UserID != userID {
		return nil, newError(KindNotFound, op, ErrSessionNotFound)
	}
	return session, nil
}

func (s *PrepaidService) transactionFor(ctx context.Context, session *models.PrepaidSession) (*models.Transaction, error) {
	if session.TransactionID != nil {
		tx, err := s.transactions.Get(ctx, *session.TransactionID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return tx, err
	}
	tx, err := s.transactions.OpenByIDTag(ctx, session.IDTag())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.BindTransaction(ctx, session.ID, tx.ID); err != nil {
		s.logger.Warn("failed to bind transaction", zap.Int64("session_id", session.ID), zap.Error(err))
	}
	return tx, nil
}

func (s *PrepaidService) energyWh(ctx context.Context, transactionID int64) (float64, error) {
	rd, err := s.energy.LatestTransactionReading(ctx, transactionID, models.MeasurandEnergyRegister)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if strings.EqualFold(rd.Unit, "kWh") {
		return rd.Value * 1000, nil
	}
	return rd.Value, nil
}

func (s *PrepaidService) fill(status *PrepaidStatus, energyWh float64) {
	status.CurrentEnergyWh = energyWh
	status.CurrentCost = battery.Round(s.model.CostFromEnergyKWh(energyWh/1000), 2)
	if status.MaxEnergyWh > 0 {
		status.PercentComplete = battery.Round(math.Min(energyWh/status.MaxEnergyWh*100, 100), 1)
	}
}

func (s *PrepaidService) completionReason(session *models.PrepaidSession, tx *models.Transaction, energyWh float64) string {
	switch {
	case energyWh >= session.MaxEnergyWh:
		return CompletedEnergyLimit
	case !tx.Open():
		return CompletedExternalStop
	case session.MaxDurationSec > 0 && s.now().Sub(tx.StartTimestamp) >= time.Duration(session.MaxDurationSec)*time.Second:
		return CompletedDurationLimit
	}
	return ""
}

// complete claims the session before stopping so concurrent monitors issue one stop.
// The claim is released when the stop fails. claimed is false when another caller won.
func (s *PrepaidService) complete(ctx context.Context, session *models.PrepaidSession, tx *models.Transaction, reason string) (claimed bool, err error) {
	const op = "complete prepaid session"
	if err := s.store.Complete(ctx, session.ID, s.now()); err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			return false, nil
		}
		return false, err
	}

	if tx.Open() {
		id := tx.ID
		_, err := s.sessions.StopCharging(ctx, StopInput{
			ChargePointID: session.ChargePointID,
			TransactionID: &id,
			Origin:        OriginPrepaid,
		})
		if err != nil {
			if revertErr := s.store.Revert(context.WithoutCancel(ctx), session.ID, models.PrepaidCompleted, models.PrepaidActive); revertErr != nil {
				s.logger.Error("failed to release prepaid session", zap.Int64("session_id", session.ID), zap.Error(revertErr))
			}
			return false, fmt.Errorf("%s: %w", op, err)
		}
	}

	metrics.ObservePrepaidCompleted(reason)
	s.logger.Info("prepaid session completed",
		zap.Int64("session_id", session.ID),
		zap.Int64("transaction_id", tx.ID),
		zap.String("reason", reason),
	)
	return true, nil
}

// checkDivergence logs when the metered register and the linear power estimate disagree.
func (s *PrepaidService) checkDivergence(ctx context.Context, session *models.PrepaidSession, energyWh float64) {
	if s.estimates == nil || energyWh <= 0 {
		return
	}
	snap, err := s.estimates.Fresh(ctx, session.ChargePointID)
	if err != nil || !snap.IsCharging || snap.EnergyWh <= 0 {
		return
	}
	ratio := math.Abs(snap.EnergyWh-energyWh) / energyWh
	metrics.ObserveEnergyDivergence(ratio)
	if ratio > s.divergence {
		s.logger.Warn("energy estimate diverges from meter register",
			zap.Int64("session_id", session.ID),
			zap.Float64("register_wh", energyWh),
			zap.Float64("estimate_wh", snap.EnergyWh),
			zap.Float64("ratio", ratio),
		)
	}
}
