package autostop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// State of a Controller.
type State int32

const (
	StateIdle State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Stopper stops the open transaction of a charger.
// clients.ErrNoActiveTransaction means it was already stopped.
type Stopper interface {
	Stop(ctx context.Context, chargerID string) error
}

// SnapshotSource fetches a charger snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context, chargerID string) (telemetry.Snapshot, error)
}

// ActiveSource is optionally implemented by a SnapshotSource. Run uses it to tell a session that
// has not started drawing current from one that no longer exists.
type ActiveSource interface {
	Active(ctx context.Context, chargerID string) (clients.ActiveTransaction, error)
}

// ReasonEndedElsewhere is the summary reason for sessions stopped by someone else.
const ReasonEndedElsewhere = "session ended outside the controller"

// Options tune a Controller.
type Options struct {
	PricePerKWh     float64
	RefundThreshold float64
	// OnProgress, when set, receives every charging reading with its progress percent.
	OnProgress func(r Reading, percent float64)
}

// Controller stops a session once its target is reached. Only one stop is in flight at a time,
// and a failed stop returns the controller to Idle so the next reading can retry.
type Controller struct {
	chargerID string
	target    Target
	stopper   Stopper
	opts      Options
	state     atomic.Int32
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	summary *Summary
	// last charging reading seen
	last *Reading
}

// NewController builds controller for chargerID.
func NewController(chargerID string, target Target, stopper Stopper, opts Options, logger *zap.Logger) (*Controller, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if opts.RefundThreshold <= 0 {
		opts.RefundThreshold = 0.5
	}
	return &Controller{
		chargerID: chargerID,
		target:    target,
		stopper:   stopper,
		opts:      opts,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Summary returns the session summary once stopped.
func (c *Controller) Summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Observe evaluates one reading. It returns a summary when this call stopped the session, or
// when the reading shows the session was ended elsewhere: charging stopped after it had been
// seen, or no vehicle is connected at all.
func (c *Controller) Observe(ctx context.Context, r Reading) (*Summary, error) {
	if c.State() == StateStopped {
		return nil, nil
	}
	if !r.Charging {
		if c.lastCharging() != nil || !r.Connected {
			return c.EndedElsewhere(), nil
		}
		return nil, nil
	}
	c.mu.Lock()
	last := r
	c.last = &last
	c.mu.Unlock()

	now := c.now()
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(r, c.target.Progress(r, now, c.opts.PricePerKWh))
	}
	reached, reason := c.target.Reached(r, now, c.opts.PricePerKWh)
	if !reached {
		return nil, nil
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		c.logger.Debug("stop already in progress", zap.String("charger_id", c.chargerID))
		return nil, nil
	}
	next := StateIdle
	defer func() { c.state.Store(int32(next)) }()

	c.logger.Info("target reached, stopping", zap.String("charger_id", c.chargerID), zap.String("reason", reason))
	err := c.stopper.Stop(ctx, c.chargerID)
	switch {
	case err == nil:
	case errors.Is(err, clients.ErrNoActiveTransaction):
		c.logger.Info("transaction already closed", zap.String("charger_id", c.chargerID))
	default:
		c.logger.Warn("stop failed", zap.String("charger_id", c.chargerID), zap.Error(err))
		return nil, err
	}

	next = StateStopped
	return c.finish(r, reason), nil
}

// EndedElsewhere moves an idle controller to Stopped without issuing a stop and summarizes the
// session up to the last charging reading. It returns nil while a stop of its own is in flight
// or once the controller is already stopped.
func (c *Controller) EndedElsewhere() *Summary {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		return nil
	}
	final := Reading{SOC: c.target.StartSOC, RangeKm: c.target.StartRangeKm, EnergyWh: c.target.StartEnergyWh}
	if last := c.lastCharging(); last != nil {
		final = *last
	}
	c.logger.Info("session ended elsewhere", zap.String("charger_id", c.chargerID))
	return c.finish(final, ReasonEndedElsewhere)
}

func (c *Controller) lastCharging() *Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) finish(final Reading, reason string) *Summary {
	summary := Summarize(c.target, final, c.now(), c.opts.PricePerKWh, c.opts.RefundThreshold)
	summary.Reason = reason
	c.mu.Lock()
	c.summary = &summary
	c.mu.Unlock()
	return &summary
}

// Run polls source every interval until the session is stopped, here or elsewhere, or ctx is
// canceled. Fetch and stop errors are logged and retried on the next tick.
func (c *Controller) Run(ctx context.Context, source SnapshotSource, interval time.Duration) (*Summary, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if summary := c.poll(ctx, source); summary != nil {
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) poll(ctx context.Context, source SnapshotSource) *Summary {
	snap, err := source.Snapshot(ctx, c.chargerID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("snapshot fetch failed", zap.String("charger_id", c.chargerID), zap.Error(err))
		}
		return nil
	}
	r := ReadingFromSnapshot(snap)
	summary, err := c.Observe(ctx, r)
	if err != nil || summary != nil || r.Charging || c.State() != StateIdle {
		return summary
	}
	// connected but not charging yet: only an open transaction keeps the watch alive
	active, ok := source.(ActiveSource)
	if !ok {
		return nil
	}
	tx, err := active.Active(ctx, c.chargerID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("active transaction lookup failed", zap.String("charger_id", c.chargerID), zap.Error(err))
		}
		return nil
	}
	if tx.Active {
		return nil
	}
	return c.EndedElsewhere()
}
