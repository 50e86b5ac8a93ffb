package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
)

// memoryStore mimics the transaction repository under a single lock, one connector per pk.
type memoryStore struct {
	mu          sync.Mutex
	chargePoint models.ChargePoint
	connectors  map[int]*models.ConnectorState
	txs         map[int64]*models.Transaction
	nextID      int64
}

func newMemoryStore(chargePointID string, heartbeat time.Time) *memoryStore {
	return &memoryStore{
		chargePoint: models.ChargePoint{ID: chargePointID, LastHeartbeat: &heartbeat},
		connectors: map[int]*models.ConnectorState{
			1: {ConnectorPK: 1, ConnectorID: 1, Status: models.StatusAvailable},
		},
		txs: make(map[int64]*models.Transaction),
	}
}

func (m *memoryStore) openFor(connectorID int) *models.Transaction {
	for _, tx := range m.txs {
		if tx.ConnectorID == connectorID && tx.Open() {
			copied := *tx
			return &copied
		}
	}
	return nil
}

func (m *memoryStore) Start(_ context.Context, params repository.StartParams, check func(repository.StartCheck) error) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if params.ChargePointID != m.chargePoint.ID {
		return nil, repository.ErrNotFound
	}
	var connector *models.ConnectorState
	if c, ok := m.connectors[params.ConnectorID]; ok {
		copied := *c
		connector = &copied
	}
	if err := check(repository.StartCheck{
		ChargePoint: m.chargePoint,
		Connector:   connector,
		Open:        m.openFor(params.ConnectorID),
	}); err != nil {
		return nil, err
	}
	m.nextID++
	tx := &models.Transaction{
		ID:             m.nextID,
		ChargePointID:  params.ChargePointID,
		ConnectorID:    params.ConnectorID,
		IDTag:          params.IDTag,
		StartTimestamp: params.At,
	}
	m.txs[tx.ID] = tx
	m.connectors[params.ConnectorID].Status = models.StatusPreparing
	copied := *tx
	return &copied, nil
}

func (m *memoryStore) Stop(_ context.Context, id int64, reason string, at time.Time) (*repository.StopResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !tx.Open() {
		return &repository.StopResult{Transaction: tx, ConnectorPK: tx.ConnectorID, AlreadyStopped: true}, nil
	}
	tx.StopTimestamp = &at
	tx.StopReason = reason
	m.connectors[tx.ConnectorID].Status = models.StatusFinishing
	return &repository.StopResult{Transaction: tx, ConnectorPK: tx.ConnectorID}, nil
}

func (m *memoryStore) Get(_ context.Context, id int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *tx
	return &copied, nil
}

func (m *memoryStore) OpenByChargePoint(_ context.Context, chargePointID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ChargePointID == chargePointID && tx.Open() {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) OpenByIDTag(_ context.Context, idTag string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.IDTag == idTag && tx.Open() {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) TransitionStatus(_ context.Context, connectorPK int, from, to string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[connectorPK]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *memoryStore) setStatus(connectorID int, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[connectorID].Status = status
}

func (m *memoryStore) status(connectorID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectors[connectorID].Status
}

// countingControl counts the commands passed to the wrapped control.
type countingControl struct {
	ChargeControl
	starts atomic.Int32
	stops  atomic.Int32
	gate   chan struct{}
}

func (c *countingControl) StartCharging(ctx context.Context, cmd clients.StartCommand) (*clients.CommandResult, error) {
	c.starts.Add(1)
	return c.ChargeControl.StartCharging(ctx, cmd)
}

func (c *countingControl) StopCharging(ctx context.Context, cmd clients.StopCommand) (*clients.CommandResult, error) {
	c.stops.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.ChargeControl.StopCharging(ctx, cmd)
}

// memoryPrepaid mimics the prepaid repository with conditional transitions.
type memoryPrepaid struct {
	mu       sync.Mutex
	sessions map[int64]*models.PrepaidSession
	nextID   int64
}

func newMemoryPrepaid() *memoryPrepaid {
	return &memoryPrepaid{sessions: make(map[int64]*models.PrepaidSession)}
}

func (m *memoryPrepaid) Create(_ context.Context, s *models.PrepaidSession) (*models.PrepaidSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	created := *s
	created.ID = m.nextID
	created.CreatedAt = time.Now().UTC()
	m.sessions[created.ID] = &created
	out := created
	return &out, nil
}

func (m *memoryPrepaid) Get(_ context.Context, id int64) (*models.PrepaidSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *memoryPrepaid) ListActive(_ context.Context, afterID int64, limit int) ([]models.PrepaidSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id > afterID && s.Status == models.PrepaidActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []models.PrepaidSession
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		out = append(out, *m.sessions[id])
	}
	return out, nil
}

func (m *memoryPrepaid) transition(id int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return repository.ErrStateChanged
	}
	s.Status = to
	return nil
}

func (m *memoryPrepaid) Activate(_ context.Context, id int64, paymentID string, _ time.Time) error {
	if err := m.transition(id, models.PrepaidPending, models.PrepaidActive); err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[id].PaymentID = paymentID
	m.mu.Unlock()
	return nil
}

func (m *memoryPrepaid) Revert(_ context.Context, id int64, from, to string) error {
	return m.transition(id, from, to)
}

func (m *memoryPrepaid) Complete(_ context.Context, id int64, _ time.Time) error {
	return m.transition(id, models.PrepaidActive, models.PrepaidCompleted)
}

func (m *memoryPrepaid) BindTransaction(_ context.Context, id, transactionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.TransactionID == nil {
		s.TransactionID = &transactionID
	}
	return nil
}

func (m *memoryPrepaid) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

// registerReader serves an energy register that advances one value per read.
type registerReader struct {
	mu     sync.Mutex
	values []float64
	unit   string
}

func (r *registerReader) LatestTransactionReading(_ context.Context, _ int64, measurand string) (*models.MeterReading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil, repository.ErrNotFound
	}
	v := r.values[0]
	if len(r.values) > 1 {
		r.values = r.values[1:]
	}
	return &models.MeterReading{Measurand: measurand, Value: v, Unit: r.unit}, nil
}
