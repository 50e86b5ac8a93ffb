package service

import (
	"context"
	"errors"
	"time"

	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
)

// ChargerStore reads charge points and their connectors.
type ChargerStore interface {
	GetChargePoint(ctx context.Context, chargePointID string) (*models.ChargePoint, error)
	ListConnectors(ctx context.Context, chargePointID string) ([]models.ConnectorState, error)
	GetConnector(ctx context.Context, chargePointID string, connectorID int) (*models.ConnectorState, error)
}

// OpenTransactions finds the open transaction of a charger.
type OpenTransactions interface {
	OpenByChargePoint(ctx context.Context, chargePointID string) (*models.Transaction, error)
}

// ChargerHealth is the liveness view of a charger.
type ChargerHealth struct {
	ChargePointID string     `json:"chargerId"`
	Online        bool       `json:"online"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// ActiveTransaction is the open transaction of a charger, Active false when there is none.
type ActiveTransaction struct {
	Active        bool       `json:"active"`
	TransactionID int64      `json:"transactionId,omitempty"`
	ConnectorID   int        `json:"connectorId,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	IDTag         string     `json:"idTag,omitempty"`
}

// ChargerService answers read-only charger queries.
type ChargerService struct {
	chargers        ChargerStore
	transactions    OpenTransactions
	onlineThreshold time.Duration
	now             func() time.Time
}

func NewChargerService(chargers ChargerStore, transactions OpenTransactions, onlineThreshold time.Duration) *ChargerService {
	if onlineThreshold <= 0 {
		onlineThreshold = 60 * time.Second
	}
	return &ChargerService{
		chargers:        chargers,
		transactions:    transactions,
		onlineThreshold: onlineThreshold,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Health reports whether the charger's heartbeat is recent.
func (s *ChargerService) Health(ctx context.Context, chargePointID string) (*ChargerHealth, error) {
	cp, err := s.chargers.GetChargePoint(ctx, chargePointID)
	if err != nil {
		return nil, chargerLookup("charger health", err)
	}
	return &ChargerHealth{
		ChargePointID: cp.ID,
		Online:        cp.Online(s.now(), s.onlineThreshold),
		LastSeen:      cp.LastHeartbeat,
	}, nil
}

// Connectors lists every connector with its latest status. Connectors that never
// reported are shown as Unavailable.
func (s *ChargerService) Connectors(ctx context.Context, chargePointID string) ([]models.ConnectorState, error) {
	if _, err := s.chargers.GetChargePoint(ctx, chargePointID); err != nil {
		return nil, chargerLookup("list connectors", err)
	}
	connectors, err := s.chargers.ListConnectors(ctx, chargePointID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConnectorState, 0, len(connectors))
	for _, c := range connectors {
		out = append(out, withDefaultStatus(c))
	}
	return out, nil
}

// Connector returns one connector.
func (s *ChargerService) Connector(ctx context.Context, chargePointID string, connectorID int) (*models.ConnectorState, error) {
	const op = "get connector"
	if connectorID <= 0 {
		return nil, newError(KindValidation, op, errors.New("connectorId must be positive"))
	}
	state, err := s.chargers.GetConnector(ctx, chargePointID, connectorID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, op, ErrConnectorNotFound)
	}
	if err != nil {
		return nil, err
	}
	c := withDefaultStatus(*state)
	return &c, nil
}

// Active returns the charger's open transaction.
func (s *ChargerService) Active(ctx context.Context, chargePointID string) (*ActiveTransaction, error) {
	tx, err := s.transactions.OpenByChargePoint(ctx, chargePointID)
	if errors.Is(err, repository.ErrNotFound) {
		return &ActiveTransaction{Active: false}, nil
	}
	if err != nil {
		return nil, err
	}
	started := tx.StartTimestamp
	return &ActiveTransaction{
		Active:        true,
		TransactionID: tx.ID,
		ConnectorID:   tx.ConnectorID,
		StartedAt:     &started,
		IDTag:         tx.IDTag,
	}, nil
}

func chargerLookup(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindNotFound, op, ErrChargerNotFound)
	}
	return err
}

func withDefaultStatus(c models.ConnectorState) models.ConnectorState {
	if c.Status == "" {
		c.Status = models.StatusUnavailable
	}
	return c
}
