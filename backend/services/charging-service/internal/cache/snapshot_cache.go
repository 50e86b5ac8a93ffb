package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// KV is the subset of the redis client the cache uses.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// SnapshotCache keeps resolved snapshots in redis for a short TTL.
type SnapshotCache struct {
	client KV
	ttl    time.Duration
}

// NewSnapshotCache returns redis-backed snapshot cache.
func NewSnapshotCache(client KV, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func (c *SnapshotCache) key(chargePointID string) string {
	return fmt.Sprintf("flashcharge:soc:%s", chargePointID)
}

// Get returns the cached snapshot, or nil on a miss.
func (c *SnapshotCache) Get(ctx context.Context, chargePointID string) (*telemetry.Snapshot, error) {
	raw, err := c.client.Get(ctx, c.key(chargePointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	return &snap, nil
}

// Set stores snap under its charger id.
func (c *SnapshotCache) Set(ctx context.Context, snap telemetry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snap.ChargePointID), data, c.ttl).Err()
}

// Invalidate drops the cached snapshot, used after start and stop so the next poll sees the new status.
func (c *SnapshotCache) Invalidate(ctx context.Context, chargePointID string) error {
	return c.client.Del(ctx, c.key(chargePointID)).Err()
}
