package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, msg)
	return true
}

func TestBroadcastReachesChargerSubscribers(t *testing.T) {
	r := New(50, time.Minute)
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	c := &fakeSubscriber{id: "c"}
	full := &fakeSubscriber{id: "d", full: true}
	r.Add("CP1", a)
	r.Add("CP1", b)
	r.Add("CP1", full)
	r.Add("CP2", c)

	assert.Equal(t, 2, r.Broadcast("CP1", []byte("x")))
	assert.Zero(t, r.Broadcast("CP3", []byte("x")))
	assert.Len(t, a.frames, 1)
	assert.Empty(t, c.frames)

	stats := r.Stats()
	assert.Equal(t, 4, stats.ActiveConnections)
	assert.Equal(t, int64(2), stats.TotalMessagesSent)
	assert.Equal(t, []ChargerClients{{ChargerID: "CP1", Clients: 3}, {ChargerID: "CP2", Clients: 1}}, stats.ClientsByCharger)
	assert.Equal(t, []string{"CP1", "CP2"}, r.Chargers())
}

func TestRemoveDropsEmptyCharger(t *testing.T) {
	r := New(50, time.Minute)
	r.Add("CP1", &fakeSubscriber{id: "a"})
	r.Remove("CP1", "a")
	r.Remove("CP9", "a")

	assert.Empty(t, r.Chargers())
	assert.Zero(t, r.Count())
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("10.0.0.1"))
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("10.0.0.1"))

	now = now.Add(2 * time.Minute)
	l.Prune()
	assert.Zero(t, l.keys())
}

func TestResetClearsState(t *testing.T) {
	r := New(1, time.Minute)
	r.Add("CP1", &fakeSubscriber{id: "a"})
	require.True(t, r.Allow("ip"))
	require.False(t, r.Allow("ip"))

	r.Reset()
	assert.Zero(t, r.Count())
	assert.True(t, r.Allow("ip"))
}
