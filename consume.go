package outbox

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/outbox/fanout"
	"github.com/rbaliyan/outbox/pending"
	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConsumeContext holds back every outgoing effect of a consumer until the
// consumer has finished successfully.
//
// Publish, Send, Respond and Add buffer actions instead of touching the
// broker. ExecutePendingActions runs them once handling succeeded;
// DiscardPendingActions drops them when it failed. Scheduled messages are
// stored immediately through a SchedulerContext and are confirmed on commit
// or cancelled on discard.
//
// Effects requested after commit or discard has begun are rejected with
// ErrOutboxClosed.
//
// Example:
//
//	oc := outbox.NewConsumeContext(delivery)
//	if err := handle(ctx, oc); err != nil {
//	    oc.DiscardPendingActions(ctx)
//	    return err
//	}
//	return oc.ExecutePendingActions(ctx, false)
type ConsumeContext struct {
	delivery Delivery
	cfg      *contextConfig
	buffer   *pending.Buffer
	sched    *SchedulerContext

	gate     chan struct{}
	gateOnce sync.Once

	// mu serializes commit and discard.
	mu    sync.Mutex
	state atomic.Int32
}

// NewConsumeContext wraps d. A SchedulerContext is created only when d has
// a scheduler.
func NewConsumeContext(d Delivery, opts ...ContextOption) *ConsumeContext {
	cfg := newContextConfig(opts...)
	c := &ConsumeContext{
		delivery: d,
		cfg:      cfg,
		buffer:   pending.New(),
		gate:     make(chan struct{}),
	}
	if s := d.Scheduler(); s != nil {
		c.sched = newSchedulerContext(s, cfg)
	}
	return c
}

// Delivery returns the wrapped delivery.
func (c *ConsumeContext) Delivery() Delivery { return c.delivery }

// Message returns the inbound message.
func (c *ConsumeContext) Message() transport.Message { return c.delivery.Message() }

// EventName returns the event the inbound message arrived on.
func (c *ConsumeContext) EventName() string { return c.delivery.EventName() }

// Payload returns the inbound message body.
func (c *ConsumeContext) Payload() []byte { return c.delivery.Message().Payload() }

// Metadata returns the inbound message metadata.
func (c *ConsumeContext) Metadata() map[string]string { return c.delivery.Message().Metadata() }

// State returns the current lifecycle state.
func (c *ConsumeContext) State() State { return State(c.state.Load()) }

// SchedulerContext returns the scheduling sub-context, or nil when the
// delivery has no scheduler.
func (c *ConsumeContext) SchedulerContext() *SchedulerContext { return c.sched }

// ClearToSend returns a channel closed when commit starts. It is never
// closed if the outbox is discarded.
func (c *ConsumeContext) ClearToSend() <-chan struct{} {
	return c.gate
}

// WaitClearToSend blocks until commit starts or ctx is done.
func (c *ConsumeContext) WaitClearToSend(ctx context.Context) error {
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add buffers action for commit.
func (c *ConsumeContext) Add(action pending.Action) error {
	if err := c.buffer.Add(action); err != nil {
		if errors.Is(err, pending.ErrClosed) {
			return ErrOutboxClosed
		}
		return err
	}
	return nil
}

// Publish buffers a message for eventName.
func (c *ConsumeContext) Publish(ctx context.Context, eventName string, payload []byte, metadata map[string]string) error {
	msg := c.outgoing(ctx, payload, metadata)
	return c.Add(func(ctx context.Context) error {
		return c.delivery.Publisher().Publish(ctx, eventName, msg)
	})
}

// Send buffers a message addressed to a single destination, such as a
// worker-group queue or a reply event.
func (c *ConsumeContext) Send(ctx context.Context, destination string, payload []byte, metadata map[string]string) error {
	return c.Publish(ctx, destination, payload, metadata)
}

// Respond buffers a reply to the event named in the inbound message's
// reply_to metadata. The reply carries the inbound message ID as its
// correlation id.
func (c *ConsumeContext) Respond(ctx context.Context, payload []byte, metadata map[string]string) error {
	replyTo := c.Metadata()[message.MetadataReplyTo]
	if replyTo == "" {
		return ErrNoReplyTo
	}
	md := maps.Clone(metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	md[message.MetadataCorrelationID] = c.Message().ID()
	return c.Send(ctx, replyTo, payload, md)
}

// Schedule stores a message for delivery at the given time. Held messages
// are released on commit; every message scheduled here is cancelled on
// discard.
func (c *ConsumeContext) Schedule(ctx context.Context, eventName string, payload []byte, at time.Time, metadata map[string]string) (ScheduledHandle, error) {
	if c.sched == nil {
		return ScheduledHandle{}, ErrNoScheduler
	}
	if c.State() != StateOpen {
		return ScheduledHandle{}, ErrOutboxClosed
	}
	return c.sched.Schedule(ctx, eventName, payload, at, c.outgoingMetadata(metadata))
}

// ScheduleAfter schedules a message delay from now.
func (c *ConsumeContext) ScheduleAfter(ctx context.Context, eventName string, payload []byte, delay time.Duration, metadata map[string]string) (ScheduledHandle, error) {
	return c.Schedule(ctx, eventName, payload, time.Now().Add(delay), metadata)
}

// CancelScheduled cancels a scheduled message. A message scheduled through
// this outbox is cancelled at once; any other id is cancelled on commit.
func (c *ConsumeContext) CancelScheduled(ctx context.Context, id string) error {
	if c.sched == nil {
		return ErrNoScheduler
	}
	if c.sched.Tracks(id) {
		if c.State() != StateOpen {
			return ErrOutboxClosed
		}
		return c.sched.Cancel(ctx, id)
	}
	return c.Add(func(ctx context.Context) error {
		return c.sched.Scheduler().Cancel(ctx, id)
	})
}

// NotifyConsumed forwards to the delivery.
func (c *ConsumeContext) NotifyConsumed(ctx context.Context, duration time.Duration, consumerType string) {
	c.delivery.NotifyConsumed(ctx, duration, consumerType)
}

// NotifyFaulted forwards to the delivery.
func (c *ConsumeContext) NotifyFaulted(ctx context.Context, duration time.Duration, consumerType string, err error) {
	c.delivery.NotifyFaulted(ctx, duration, consumerType, err)
}

// ExecutePendingActions commits the outbox.
//
// It opens the clear-to-send gate, seals the buffer, and runs every
// buffered action. Sequential dispatch runs them in append order and stops
// at the first error, which is returned. Concurrent dispatch starts them
// all at once and returns every failure aggregated. After every action
// succeeded, held scheduled messages are confirmed; confirmation failures
// are logged and do not fail the commit.
//
// A second call after a successful commit only retries confirmation and
// returns nil. A call after a discard or a failed commit returns
// ErrOutboxClosed.
func (c *ConsumeContext) ExecutePendingActions(ctx context.Context, concurrent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateCommitted:
		c.confirmScheduled(ctx)
		return nil
	case StateFaulted, StateDiscarded:
		return ErrOutboxClosed
	}

	c.state.Store(int32(StateCommitting))
	c.gateOnce.Do(func() { close(c.gate) })
	c.buffer.Close()
	actions := c.buffer.Snapshot()

	ctx, span := c.cfg.tracer.Start(ctx, "outbox.commit",
		trace.WithAttributes(
			attribute.String("event", c.EventName()),
			attribute.String("message_id", c.Message().ID()),
			attribute.Int("actions", len(actions)),
			attribute.Bool("concurrent", concurrent)),
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var err error
	if concurrent {
		err = c.dispatchConcurrent(ctx, actions)
	} else {
		err = c.dispatchSequential(ctx, actions)
	}
	if err != nil {
		c.state.Store(int32(StateFaulted))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.buffer.Clear()
	c.state.Store(int32(StateCommitted))
	c.confirmScheduled(ctx)
	return nil
}

// DiscardPendingActions rolls the outbox back. Buffered actions are dropped
// without running and every scheduled message that was not confirmed is
// cancelled. Cancellation failures are logged. It always returns nil, and
// does nothing after a successful commit.
func (c *ConsumeContext) DiscardPendingActions(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateCommitted, StateDiscarded:
		return nil
	}

	c.buffer.Close()
	n := c.buffer.Clear()
	c.state.Store(int32(StateDiscarded))
	c.cfg.metrics.actionsDiscarded(ctx, c.EventName(), n)

	if c.sched != nil {
		if err := c.sched.CancelAllScheduledMessages(ctx); err != nil {
			c.cfg.logger.Warn("failed to cancel scheduled messages",
				"event", c.EventName(), "message_id", c.Message().ID(), "error", err)
		}
	}
	c.cfg.logger.Debug("discarded pending actions", "event", c.EventName(), "count", n)
	return nil
}

func (c *ConsumeContext) dispatchSequential(ctx context.Context, actions []pending.Action) error {
	for _, action := range actions {
		if err := action(ctx); err != nil {
			c.cfg.metrics.actionFailed(ctx, c.EventName())
			return err
		}
		c.cfg.metrics.actionExecuted(ctx, c.EventName())
	}
	return nil
}

func (c *ConsumeContext) dispatchConcurrent(ctx context.Context, actions []pending.Action) error {
	g := fanout.New(len(actions), fanout.WithLogger(c.cfg.logger))
	for _, action := range actions {
		g.Go(ctx, func(ctx context.Context) error {
			if err := action(ctx); err != nil {
				c.cfg.metrics.actionFailed(ctx, c.EventName())
				return err
			}
			c.cfg.metrics.actionExecuted(ctx, c.EventName())
			return nil
		})
	}
	return g.Await()
}

func (c *ConsumeContext) confirmScheduled(ctx context.Context) {
	if c.sched == nil {
		return
	}
	if err := c.sched.ExecutePendingActions(ctx); err != nil {
		c.cfg.logger.Warn("failed to confirm scheduled messages",
			"event", c.EventName(), "message_id", c.Message().ID(), "error", err)
	}
}

// outgoing builds a message now so retries of the action reuse its ID.
func (c *ConsumeContext) outgoing(ctx context.Context, payload []byte, metadata map[string]string) transport.Message {
	return message.New(transport.NewID(), c.cfg.source, payload, c.outgoingMetadata(metadata),
		message.WithSpanContext(trace.SpanContextFromContext(ctx)))
}

// outgoingMetadata copies metadata and propagates the inbound correlation id.
func (c *ConsumeContext) outgoingMetadata(metadata map[string]string) map[string]string {
	md := maps.Clone(metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	if _, ok := md[message.MetadataCorrelationID]; !ok {
		if cid := c.Metadata()[message.MetadataCorrelationID]; cid != "" {
			md[message.MetadataCorrelationID] = cid
		} else {
			md[message.MetadataCorrelationID] = c.Message().ID()
		}
	}
	return md
}
