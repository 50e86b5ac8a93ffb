package telemetry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/metrics"
	"flashcharge/backend/services/charging-service/internal/models"
)

// Source is the read side of the shared store the aggregator needs.
type Source interface {
	LatestStatus(ctx context.Context, chargePointID string, connectorID int) (string, error)
	LatestVehicleInfo(ctx context.Context, chargePointID string, since time.Time) (*models.VehicleInfoMessage, error)
	LatestReadings(ctx context.Context, chargePointID string, connectorID int, since time.Time) ([]models.MeterReading, error)
	PowerReadings(ctx context.Context, chargePointID string, connectorID int, since time.Time) ([]models.MeterReading, error)
	OpenTransaction(ctx context.Context, chargePointID string, connectorID int) (*models.Transaction, error)
}

// Cache fronts Snapshot. A miss returns (nil, nil).
type Cache interface {
	Get(ctx context.Context, chargePointID string) (*Snapshot, error)
	Set(ctx context.Context, snap Snapshot) error
}

// Aggregator assembles snapshots from the store.
type Aggregator struct {
	source      Source
	resolver    *Resolver
	cache       Cache
	connectorID int
	now         func() time.Time
	logger      *zap.Logger
}

// NewAggregator builds an aggregator. cache may be nil.
func NewAggregator(source Source, resolver *Resolver, cache Cache, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		source:      source,
		resolver:    resolver,
		cache:       cache,
		connectorID: 1,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// WithClock replaces the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Snapshot returns the current state of chargePointID, from cache when fresh.
func (a *Aggregator) Snapshot(ctx context.Context, chargePointID string) (Snapshot, error) {
	if a.cache != nil {
		cached, err := a.cache.Get(ctx, chargePointID)
		if err != nil {
			a.logger.Warn("snapshot cache read failed", zap.String("charger_id", chargePointID), zap.Error(err))
		}
		metrics.ObserveSnapshotCache(cached != nil)
		if cached != nil {
			return *cached, nil
		}
	}

	snap, err := a.Fresh(ctx, chargePointID)
	if err != nil {
		return Snapshot{}, err
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, snap); err != nil {
			a.logger.Warn("snapshot cache write failed", zap.String("charger_id", chargePointID), zap.Error(err))
		}
	}
	return snap, nil
}

// Fresh resolves a snapshot bypassing the cache. Only a failed status lookup is fatal;
// other inputs degrade to absent.
func (a *Aggregator) Fresh(ctx context.Context, chargePointID string) (Snapshot, error) {
	now := a.now()
	windows := a.resolver.Windows()

	status, err := a.source.LatestStatus(ctx, chargePointID, a.connectorID)
	if err != nil {
		return Snapshot{}, err
	}

	in := Inputs{ChargePointID: chargePointID, Status: status}

	info, err := a.source.LatestVehicleInfo(ctx, chargePointID, now.Add(-windows.VehicleInfo))
	if err != nil && !isCanceled(err) {
		a.logger.Warn("vehicle info lookup failed", zap.String("charger_id", chargePointID), zap.Error(err))
	}
	in.VehicleInfo = info

	readings, err := a.source.LatestReadings(ctx, chargePointID, a.connectorID, now.Add(-windows.Widest()))
	if err != nil && !isCanceled(err) {
		a.logger.Warn("meter readings lookup failed", zap.String("charger_id", chargePointID), zap.Error(err))
	}
	in.Readings = readings

	if models.IsCharging(status) {
		series, err := a.source.PowerReadings(ctx, chargePointID, a.connectorID, now.Add(-windows.Charging))
		if err != nil && !isCanceled(err) {
			a.logger.Warn("power readings lookup failed", zap.String("charger_id", chargePointID), zap.Error(err))
		}
		in.PowerSeries = series
	}

	tx, err := a.source.OpenTransaction(ctx, chargePointID, a.connectorID)
	if err != nil && !isCanceled(err) {
		a.logger.Debug("no open transaction", zap.String("charger_id", chargePointID), zap.Error(err))
	}
	if tx != nil {
		id, start := tx.ID, tx.StartTimestamp
		in.TransactionID = &id
		in.TransactionStart = &start
	}

	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	snap := a.resolver.Resolve(in, now)
	metrics.ObserveSnapshot(snap.DataSource)
	a.logger.Debug("snapshot resolved",
		zap.String("charger_id", chargePointID),
		zap.String("data_source", snap.DataSource),
		zap.String("status", snap.Status),
		zap.Float64("soc", snap.SOC),
	)
	return snap, nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
