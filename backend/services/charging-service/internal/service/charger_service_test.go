package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
)

func (m *memoryStore) GetChargePoint(_ context.Context, chargePointID string) (*models.ChargePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chargePointID != m.chargePoint.ID {
		return nil, repository.ErrNotFound
	}
	cp := m.chargePoint
	return &cp, nil
}

func (m *memoryStore) ListConnectors(_ context.Context, chargePointID string) ([]models.ConnectorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chargePointID != m.chargePoint.ID {
		return nil, nil
	}
	out := make([]models.ConnectorState, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}

func (m *memoryStore) GetConnector(_ context.Context, chargePointID string, connectorID int) (*models.ConnectorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[connectorID]
	if chargePointID != m.chargePoint.ID || !ok {
		return nil, repository.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func TestChargerHealthUsesHeartbeatAge(t *testing.T) {
	now := time.Now().UTC()
	store := newMemoryStore("CP1", now.Add(-30*time.Second))
	svc := NewChargerService(store, store, time.Minute)

	health, err := svc.Health(context.Background(), "CP1")
	require.NoError(t, err)
	assert.True(t, health.Online)
	require.NotNil(t, health.LastSeen)

	store.chargePoint.LastHeartbeat = ptrTime(now.Add(-2 * time.Minute))
	health, err = svc.Health(context.Background(), "CP1")
	require.NoError(t, err)
	assert.False(t, health.Online)

	_, err = svc.Health(context.Background(), "CP9")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, errors.Is(err, ErrChargerNotFound))
}

func TestConnectorsDefaultToUnavailable(t *testing.T) {
	store := newMemoryStore("CP1", time.Now())
	store.connectors[2] = &models.ConnectorState{ConnectorPK: 2, ConnectorID: 2}
	svc := NewChargerService(store, store, time.Minute)

	list, err := svc.Connectors(context.Background(), "CP1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.StatusAvailable, list[0].Status)
	assert.Equal(t, models.StatusUnavailable, list[1].Status)

	one, err := svc.Connector(context.Background(), "CP1", 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnavailable, one.Status)

	_, err = svc.Connector(context.Background(), "CP1", 7)
	assert.True(t, errors.Is(err, ErrConnectorNotFound))
	_, err = svc.Connector(context.Background(), "CP1", 0)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestActiveTransaction(t *testing.T) {
	store := newMemoryStore("CP1", time.Now())
	svc := NewChargerService(store, store, time.Minute)

	active, err := svc.Active(context.Background(), "CP1")
	require.NoError(t, err)
	assert.False(t, active.Active)

	started := time.Now().UTC().Truncate(time.Second)
	store.txs[5] = &models.Transaction{ID: 5, ChargePointID: "CP1", ConnectorID: 1, IDTag: "TAG", StartTimestamp: started}
	active, err = svc.Active(context.Background(), "CP1")
	require.NoError(t, err)
	assert.True(t, active.Active)
	assert.Equal(t, int64(5), active.TransactionID)
	assert.Equal(t, "TAG", active.IDTag)
	assert.Equal(t, started, *active.StartedAt)
}

func ptrTime(t time.Time) *time.Time { return &t }
