package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/outbox/scheduler"
	"github.com/rbaliyan/outbox/transport"
	"go.uber.org/multierr"
)

// HandleState is the lifecycle of a scheduled message issued through an outbox.
type HandleState int

const (
	// HandlePending was scheduled and waits for commit or rollback.
	HandlePending HandleState = iota
	// HandleConfirmed was released for delivery by a commit.
	HandleConfirmed
	// HandleCancelled was removed from the scheduler.
	HandleCancelled
)

// String returns a string representation of the handle state.
func (s HandleState) String() string {
	switch s {
	case HandlePending:
		return "pending"
	case HandleConfirmed:
		return "confirmed"
	case HandleCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ScheduledHandle identifies a message scheduled while a consumer ran.
type ScheduledHandle struct {
	ID          string
	EventName   string
	ScheduledAt time.Time
	State       HandleState
}

// SchedulerContext wraps a scheduler for the lifetime of one delivery.
//
// Messages are handed to the scheduler as soon as they are requested, so
// the intent is stored even if the process dies before commit. When the
// scheduler implements scheduler.Confirmer the message is stored held and
// nothing is delivered until ExecutePendingActions confirms it; otherwise
// confirmation only updates the handle. CancelAllScheduledMessages removes
// every message that was not confirmed.
//
// Confirmation and cancellation never stop at the first failure. Both
// return the aggregated failures for the caller to log.
type SchedulerContext struct {
	inner     scheduler.Scheduler
	confirmer scheduler.Confirmer
	logger    *slog.Logger
	metrics   *metrics

	mu      sync.Mutex
	handles []*ScheduledHandle
	byID    map[string]*ScheduledHandle
	closed  bool
}

// NewSchedulerContext wraps inner.
func NewSchedulerContext(inner scheduler.Scheduler, opts ...ContextOption) *SchedulerContext {
	cfg := newContextConfig(opts...)
	return newSchedulerContext(inner, cfg)
}

func newSchedulerContext(inner scheduler.Scheduler, cfg *contextConfig) *SchedulerContext {
	sc := &SchedulerContext{
		inner:   inner,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		byID:    make(map[string]*ScheduledHandle),
	}
	sc.confirmer, _ = inner.(scheduler.Confirmer)
	return sc
}

// Scheduler returns the wrapped scheduler.
func (sc *SchedulerContext) Scheduler() scheduler.Scheduler {
	return sc.inner
}

// Schedule stores a message for delivery at the given time and records a
// pending handle for it.
func (sc *SchedulerContext) Schedule(ctx context.Context, eventName string, payload []byte, at time.Time, metadata map[string]string) (ScheduledHandle, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return ScheduledHandle{}, ErrOutboxClosed
	}

	msg := scheduler.Message{
		ID:          transport.NewID(),
		EventName:   eventName,
		Payload:     payload,
		Metadata:    metadata,
		ScheduledAt: at,
		Held:        sc.confirmer != nil,
	}
	if err := sc.inner.Schedule(ctx, msg); err != nil {
		return ScheduledHandle{}, fmt.Errorf("schedule %s: %w", eventName, err)
	}

	h := &ScheduledHandle{
		ID:          msg.ID,
		EventName:   eventName,
		ScheduledAt: at,
		State:       HandlePending,
	}
	sc.handles = append(sc.handles, h)
	sc.byID[h.ID] = h

	sc.logger.Debug("scheduled message through outbox",
		"id", h.ID, "event", eventName, "scheduled_at", at, "held", msg.Held)
	return *h, nil
}

// ScheduleAfter schedules a message delay from now.
func (sc *SchedulerContext) ScheduleAfter(ctx context.Context, eventName string, payload []byte, delay time.Duration, metadata map[string]string) (ScheduledHandle, error) {
	return sc.Schedule(ctx, eventName, payload, time.Now().Add(delay), metadata)
}

// Cancel cancels one message scheduled through this context.
// Unknown ids are passed to the wrapped scheduler unchanged.
func (sc *SchedulerContext) Cancel(ctx context.Context, id string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.inner.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if h, ok := sc.byID[id]; ok {
		h.State = HandleCancelled
	}
	return nil
}

// Tracks reports whether id was scheduled through this context.
func (sc *SchedulerContext) Tracks(id string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.byID[id]
	return ok
}

// Handles returns a copy of every handle in scheduling order.
func (sc *SchedulerContext) Handles() []ScheduledHandle {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]ScheduledHandle, len(sc.handles))
	for i, h := range sc.handles {
		out[i] = *h
	}
	return out
}

// ExecutePendingActions confirms every pending handle. It keeps going after
// a failure; failed handles stay pending so a later call can retry them.
// No further messages can be scheduled afterwards.
func (sc *SchedulerContext) ExecutePendingActions(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closed = true

	var mErr error
	failed := 0
	for _, h := range sc.handles {
		if h.State != HandlePending {
			continue
		}
		if sc.confirmer != nil {
			if err := sc.confirmer.Confirm(ctx, h.ID); err != nil {
				mErr = multierr.Append(mErr, fmt.Errorf("confirm %s: %w", h.ID, err))
				failed++
				continue
			}
		}
		h.State = HandleConfirmed
	}
	sc.metrics.compensationFailed(ctx, "confirm", failed)
	return mErr
}

// CancelAllScheduledMessages cancels every pending handle. It keeps going
// after a failure. A message the scheduler no longer knows about counts as
// a failure since it may already have been delivered.
func (sc *SchedulerContext) CancelAllScheduledMessages(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closed = true

	var mErr error
	failed := 0
	for _, h := range sc.handles {
		if h.State != HandlePending {
			continue
		}
		if err := sc.inner.Cancel(ctx, h.ID); err != nil {
			if errors.Is(err, scheduler.ErrNotFound) {
				err = fmt.Errorf("%w (possibly already delivered)", err)
			}
			mErr = multierr.Append(mErr, fmt.Errorf("cancel %s: %w", h.ID, err))
			failed++
			continue
		}
		h.State = HandleCancelled
	}
	sc.metrics.compensationFailed(ctx, "cancel", failed)
	return mErr
}
