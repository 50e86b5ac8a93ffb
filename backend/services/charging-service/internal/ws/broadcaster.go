package ws

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/registry"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// UpdateFrame is the push payload sent on every refresh.
type UpdateFrame struct {
	Type        string    `json:"type"`
	ChargerID   string    `json:"chargerId"`
	SOC         float64   `json:"soc"`
	Model       string    `json:"model"`
	Range       float64   `json:"range"`
	Voltage     string    `json:"voltage"`
	Current     string    `json:"current"`
	Power       string    `json:"power"`
	Energy      string    `json:"energy"`
	Temperature string    `json:"temperature"`
	Status      string    `json:"status"`
	IsCharging  bool      `json:"isCharging"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewUpdateFrame builds the frame for snap.
func NewUpdateFrame(snap telemetry.Snapshot) UpdateFrame {
	return UpdateFrame{
		Type:        "update",
		ChargerID:   snap.ChargePointID,
		SOC:         snap.SOC,
		Model:       snap.Model,
		Range:       snap.CurrentRangeKm,
		Voltage:     snap.Voltage,
		Current:     snap.Current,
		Power:       snap.Power,
		Energy:      snap.Energy,
		Temperature: snap.Temperature,
		Status:      snap.Status,
		IsCharging:  snap.IsCharging,
		Timestamp:   snap.ResolvedAt,
	}
}

// SnapshotSource resolves a charger snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context, chargePointID string) (telemetry.Snapshot, error)
}

// Sink receives every resolved snapshot, subscribed or not.
type Sink interface {
	Publish(ctx context.Context, snap telemetry.Snapshot) error
}

// Broadcaster refreshes snapshots for subscribed chargers and pushes update frames.
type Broadcaster struct {
	registry *registry.Registry
	source   SnapshotSource
	interval time.Duration
	always   []string
	sinks    []Sink
	logger   *zap.Logger
}

// NewBroadcaster builds broadcaster. always lists chargers refreshed even without subscribers, for sinks.
func NewBroadcaster(reg *registry.Registry, source SnapshotSource, interval time.Duration, always []string, logger *zap.Logger, sinks ...Sink) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Broadcaster{
		registry: reg,
		source:   source,
		interval: interval,
		always:   always,
		sinks:    sinks,
		logger:   logger,
	}
}

// Start runs the refresh loop until ctx is canceled.
func (b *Broadcaster) Start(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.BroadcastOnce(ctx)
		}
	}
}

// BroadcastOnce refreshes every tracked charger and returns the number of frames delivered.
func (b *Broadcaster) BroadcastOnce(ctx context.Context) int {
	delivered := 0
	for _, chargerID := range b.targets() {
		if ctx.Err() != nil {
			return delivered
		}
		snap, err := b.source.Snapshot(ctx, chargerID)
		if err != nil {
			b.logger.Debug("push refresh failed", zap.String("charger_id", chargerID), zap.Error(err))
			continue
		}
		for _, sink := range b.sinks {
			if err := sink.Publish(ctx, snap); err != nil {
				b.logger.Debug("snapshot sink failed", zap.String("charger_id", chargerID), zap.Error(err))
			}
		}
		msg, err := json.Marshal(NewUpdateFrame(snap))
		if err != nil {
			b.logger.Warn("failed to encode push frame", zap.String("charger_id", chargerID), zap.Error(err))
			continue
		}
		delivered += b.registry.Broadcast(chargerID, msg)
	}
	return delivered
}

func (b *Broadcaster) targets() []string {
	subscribed := b.registry.Chargers()
	if len(b.always) == 0 {
		return subscribed
	}
	seen := make(map[string]struct{}, len(subscribed)+len(b.always))
	out := make([]string, 0, len(subscribed)+len(b.always))
	for _, ids := range [][]string{subscribed, b.always} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
