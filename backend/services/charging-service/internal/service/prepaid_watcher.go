package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PrepaidWatcher polls active prepaid sessions so limits are enforced without a client watching.
type PrepaidWatcher struct {
	store    PrepaidStore
	service  *PrepaidService
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewPrepaidWatcher builds watcher.
func NewPrepaidWatcher(store PrepaidStore, service *PrepaidService, interval time.Duration, logger *zap.Logger) *PrepaidWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PrepaidWatcher{
		store:    store,
		service:  service,
		interval: interval,
		batch:    200,
		logger:   logger,
	}
}

// Start runs the poll loop until ctx is canceled.
func (w *PrepaidWatcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep monitors every active session once, a page of batch sessions at a time, and returns
// how many completed.
func (w *PrepaidWatcher) Sweep(ctx context.Context) int {
	completed := 0
	var after int64
	for {
		sessions, err := w.store.ListActive(ctx, after, w.batch)
		if err != nil {
			w.logger.Warn("failed to list active prepaid sessions", zap.Int64("after_id", after), zap.Error(err))
			return completed
		}
		for _, s := range sessions {
			if ctx.Err() != nil {
				return completed
			}
			status, err := w.service.Monitor(ctx, 0, s.ID)
			if err != nil {
				w.logger.Warn("prepaid monitor failed", zap.Int64("session_id", s.ID), zap.Error(err))
				continue
			}
			if status.CompletedReason != "" {
				completed++
			}
		}
		if len(sessions) < w.batch {
			return completed
		}
		after = sessions[len(sessions)-1].ID
	}
}
