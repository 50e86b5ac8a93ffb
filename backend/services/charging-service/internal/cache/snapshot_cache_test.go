package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashcharge/backend/services/charging-service/internal/telemetry"
)

type fakeKV struct {
	data    map[string]string
	ttls    map[string]time.Duration
	failGet error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if f.failGet != nil {
		cmd.SetErr(f.failGet)
		return cmd
	}
	v, ok := f.data[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "del")
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	kv := newFakeKV()
	c := NewSnapshotCache(kv, 0)
	ctx := context.Background()

	miss, err := c.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	snap := telemetry.Snapshot{ChargePointID: "C1", Status: "Charging", SOC: 61.5, DataSource: telemetry.SourceMeterValues}
	require.NoError(t, c.Set(ctx, snap))
	assert.Equal(t, 5*time.Second, kv.ttls["flashcharge:soc:C1"])

	got, err := c.Get(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 61.5, got.SOC)
	assert.Equal(t, telemetry.SourceMeterValues, got.DataSource)

	require.NoError(t, c.Invalidate(ctx, "C1"))
	got, err = c.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotCacheSurfacesErrors(t *testing.T) {
	kv := newFakeKV()
	kv.failGet = errors.New("connection refused")
	_, err := NewSnapshotCache(kv, time.Second).Get(context.Background(), "C1")
	assert.Error(t, err)

	kv.failGet = nil
	kv.data["flashcharge:soc:C2"] = "{broken"
	_, err = NewSnapshotCache(kv, time.Second).Get(context.Background(), "C2")
	assert.Error(t, err)
}
