package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/models"
)

// StatusTransitioner conditionally appends a connector status.
type StatusTransitioner interface {
	TransitionStatus(ctx context.Context, connectorPK int, from, to string, at time.Time) (bool, error)
}

// StatusScheduler moves a Finishing connector back to Available after a delay, the way a
// device reports it once the cable is released. The write is skipped when anything else
// changed the status first.
type StatusScheduler struct {
	store  StatusTransitioner
	delay  time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[int]*pendingTransition
	closed bool
	wg     sync.WaitGroup
}

// NewStatusScheduler builds scheduler.
func NewStatusScheduler(store StatusTransitioner, delay time.Duration, logger *zap.Logger) *StatusScheduler {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &StatusScheduler{
		store:  store,
		delay:  delay,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		timers: make(map[int]*pendingTransition),
	}
}

type pendingTransition struct {
	timer *time.Timer
}

// ScheduleAvailable arms the Finishing to Available transition for a connector,
// replacing any pending one.
func (s *StatusScheduler) ScheduleAvailable(connectorPK int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.timers[connectorPK]; ok {
		if existing.timer.Stop() {
			s.wg.Done()
		}
	}
	s.wg.Add(1)
	pending := &pendingTransition{}
	pending.timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.fire(connectorPK, pending)
	})
	s.timers[connectorPK] = pending
}

func (s *StatusScheduler) fire(connectorPK int, pending *pendingTransition) {
	s.mu.Lock()
	if current, ok := s.timers[connectorPK]; ok && current == pending {
		delete(s.timers, connectorPK)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	written, err := s.store.TransitionStatus(ctx, connectorPK, models.StatusFinishing, models.StatusAvailable, s.now())
	if err != nil {
		s.logger.Warn("scheduled status transition failed", zap.Int("connector_pk", connectorPK), zap.Error(err))
		return
	}
	if !written {
		s.logger.Debug("scheduled status transition superseded", zap.Int("connector_pk", connectorPK))
	}
}

// Pending returns the number of armed transitions.
func (s *StatusScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels pending transitions and waits for running ones.
func (s *StatusScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for pk, pending := range s.timers {
		if pending.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, pk)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
