package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/models"
)

func newDirectResolver(store *memoryStore, scheduler *StatusScheduler) (*SessionResolver, *countingControl) {
	control := &countingControl{ChargeControl: NewDirectControl(store, scheduler, time.Minute, zap.NewNop())}
	return NewSessionResolver(control, store, nil, zap.NewNop()), control
}

func TestConcurrentStartsOpenOneTransaction(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	resolver, _ := newDirectResolver(store, nil)

	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, errs[i] = resolver.StartCharging(context.Background(), StartInput{
				ChargePointID: "CP1",
				ConnectorID:   1,
				IDTag:         "USER_1",
			})
		}(i)
	}
	close(ready)
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTransactionAlreadyActive):
			assert.Equal(t, KindConflict, KindOf(err))
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
	assert.Len(t, store.txs, 1)
	assert.Equal(t, models.StatusPreparing, store.status(1))
}

func TestDirectStartPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*memoryStore)
		in      StartInput
		kind    Kind
		target  error
	}{
		{
			name: "offline charger",
			prepare: func(s *memoryStore) {
				old := time.Now().UTC().Add(-10 * time.Minute)
				s.chargePoint.LastHeartbeat = &old
			},
			in:     StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"},
			kind:   KindUnavailable,
			target: ErrChargerOffline,
		},
		{
			name:   "unknown charger",
			in:     StartInput{ChargePointID: "CP9", ConnectorID: 1, IDTag: "T"},
			kind:   KindNotFound,
			target: ErrChargerNotFound,
		},
		{
			name:   "unknown connector",
			in:     StartInput{ChargePointID: "CP1", ConnectorID: 2, IDTag: "T"},
			kind:   KindNotFound,
			target: ErrConnectorNotFound,
		},
		{
			name:    "faulted connector",
			prepare: func(s *memoryStore) { s.setStatus(1, models.StatusFaulted) },
			in:      StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"},
			kind:    KindConflict,
			target:  ErrConnectorBusy,
		},
		{
			name: "missing id tag",
			in:   StartInput{ChargePointID: "CP1", ConnectorID: 1},
			kind: KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore("CP1", time.Now().UTC())
			if tt.prepare != nil {
				tt.prepare(store)
			}
			resolver, _ := newDirectResolver(store, nil)

			_, err := resolver.StartCharging(context.Background(), tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			assert.Empty(t, store.txs)
		})
	}
}

func TestDirectStartOnUnreportedConnector(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	store.setStatus(1, "")
	resolver, _ := newDirectResolver(store, nil)

	out, err := resolver.StartCharging(context.Background(), StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"})
	require.NoError(t, err)
	require.NotNil(t, out.TransactionID)
	assert.Equal(t, int64(1), *out.TransactionID)
}

func TestStopIsIdempotent(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	resolver, control := newDirectResolver(store, nil)
	ctx := context.Background()

	started, err := resolver.StartCharging(ctx, StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"})
	require.NoError(t, err)

	first, err := resolver.StopCharging(ctx, StopInput{ChargePointID: "CP1", Origin: OriginUser})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.AlreadyStopped)
	assert.Equal(t, *started.TransactionID, first.TransactionID)

	second, err := resolver.StopCharging(ctx, StopInput{ChargePointID: "CP1", TransactionID: started.TransactionID, Origin: OriginTarget})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyStopped)

	_, err = resolver.StopCharging(ctx, StopInput{ChargePointID: "CP1", Origin: OriginUser})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.Equal(t, int32(1), control.stops.Load())
	assert.Equal(t, models.StatusFinishing, store.status(1))
}

func TestStopRejectsForeignTransaction(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	resolver, control := newDirectResolver(store, nil)
	ctx := context.Background()

	started, err := resolver.StartCharging(ctx, StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"})
	require.NoError(t, err)

	_, err = resolver.StopCharging(ctx, StopInput{ChargePointID: "CP2", TransactionID: started.TransactionID})
	assert.ErrorIs(t, err, ErrTransactionMismatch)

	missing := int64(42)
	_, err = resolver.StopCharging(ctx, StopInput{ChargePointID: "CP1", TransactionID: &missing})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Zero(t, control.stops.Load())
}

func TestConcurrentStopsShareOneCommand(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	resolver, control := newDirectResolver(store, nil)
	control.gate = make(chan struct{})
	ctx := context.Background()

	started, err := resolver.StartCharging(ctx, StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]*StopOutcome, 2)
	errs := make([]error, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = resolver.StopCharging(ctx, StopInput{
				ChargePointID: "CP1",
				TransactionID: started.TransactionID,
				Origin:        OriginPrepaid,
			})
		}(i)
	}

	require.Eventually(t, func() bool { return control.stops.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(control.gate)
	wg.Wait()

	for i := range outcomes {
		require.NoError(t, errs[i])
		assert.True(t, outcomes[i].Success)
	}
	assert.Equal(t, int32(1), control.stops.Load())
}

type failingStop struct {
	ChargeControl
	store *memoryStore
}

func (f *failingStop) StopCharging(ctx context.Context, cmd clients.StopCommand) (*clients.CommandResult, error) {
	// the device closes the transaction itself while the command times out
	_, _ = f.store.Stop(ctx, cmd.TransactionID, "Local", time.Now().UTC())
	return nil, errors.New("timeout")
}

func TestStopSucceedsWhenTransactionClosedMeanwhile(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	direct := NewDirectControl(store, nil, time.Minute, zap.NewNop())
	resolver := NewSessionResolver(&failingStop{ChargeControl: direct, store: store}, store, nil, zap.NewNop())
	ctx := context.Background()

	started, err := resolver.StartCharging(ctx, StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"})
	require.NoError(t, err)

	out, err := resolver.StopCharging(ctx, StopInput{ChargePointID: "CP1", TransactionID: started.TransactionID})
	require.NoError(t, err)
	assert.True(t, out.AlreadyStopped)
}

func TestSchedulerReturnsConnectorToAvailable(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	scheduler := NewStatusScheduler(store, 10*time.Millisecond, zap.NewNop())
	defer scheduler.Close()
	resolver, _ := newDirectResolver(store, scheduler)
	ctx := context.Background()

	_, err := resolver.StartCharging(ctx, StartInput{ChargePointID: "CP1", ConnectorID: 1, IDTag: "T"})
	require.NoError(t, err)
	_, err = resolver.StopCharging(ctx, StopInput{ChargePointID: "CP1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.status(1) == models.StatusAvailable
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, scheduler.Pending())
}

func TestSchedulerSkipsSupersededStatus(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	store.setStatus(1, models.StatusFinishing)
	scheduler := NewStatusScheduler(store, 20*time.Millisecond, zap.NewNop())
	defer scheduler.Close()

	scheduler.ScheduleAvailable(1)
	store.setStatus(1, models.StatusCharging)

	require.Eventually(t, func() bool { return scheduler.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, models.StatusCharging, store.status(1))
}

func TestSchedulerCloseCancelsPending(t *testing.T) {
	store := newMemoryStore("CP1", time.Now().UTC())
	store.setStatus(1, models.StatusFinishing)
	scheduler := NewStatusScheduler(store, time.Hour, zap.NewNop())

	scheduler.ScheduleAvailable(1)
	scheduler.ScheduleAvailable(1)
	assert.Equal(t, 1, scheduler.Pending())

	scheduler.Close()
	assert.Zero(t, scheduler.Pending())
	assert.Equal(t, models.StatusFinishing, store.status(1))
}
