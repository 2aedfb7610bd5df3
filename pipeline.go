package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one inbound message. Effects requested through oc are
// released only if the handler returns nil.
type Handler func(ctx context.Context, oc *ConsumeContext) error

// Filter runs a handler inside an outbox and settles the outbox afterwards:
// commit when the handler succeeded, rollback when it returned an error or
// panicked, and rollback again if the commit itself failed.
//
// The handler's context carries the ConsumeContext; see FromContext.
//
// Example:
//
//	f := outbox.NewFilter(outbox.WithConcurrentDelivery(true))
//	err := f.Consume(ctx, delivery, func(ctx context.Context, oc *outbox.ConsumeContext) error {
//	    if err := saveOrder(ctx, oc.Payload()); err != nil {
//	        return err // nothing is published
//	    }
//	    return oc.Publish(ctx, "orders.accepted", oc.Payload(), nil)
//	})
type Filter struct {
	opts    *Options
	metrics *metrics
	tracer  trace.Tracer
}

// NewFilter creates a Filter.
func NewFilter(opts ...Option) *Filter {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = transport.Logger("outbox>filter")
	}

	m, err := newMetrics(o.MeterProvider)
	if err != nil {
		o.Logger.Warn("failed to create outbox metrics", "error", err)
	}
	return &Filter{
		opts:    o,
		metrics: m,
		tracer:  tracerFrom(o.TracerProvider),
	}
}

// Consume handles d through h. It returns the handler error, the commit
// error, or nil. Rollback runs even if ctx was cancelled, and its failures
// are only logged.
func (f *Filter) Consume(ctx context.Context, d Delivery, h Handler) error {
	start := time.Now()
	oc := NewConsumeContext(d,
		WithContextLogger(f.opts.Logger),
		WithContextSource(f.opts.Source),
		withInstruments(f.metrics, f.tracer),
	)

	err := f.invoke(ContextWithOutbox(ctx, oc), oc, h)
	if err == nil {
		err = oc.ExecutePendingActions(ctx, f.opts.ConcurrentDelivery)
	}
	if err != nil {
		// Rollback must still cancel scheduled messages when ctx is done.
		rbCtx := context.WithoutCancel(ctx)
		_ = oc.DiscardPendingActions(rbCtx) // failures are logged, never returned
		oc.NotifyFaulted(rbCtx, time.Since(start), f.opts.ConsumerType, err)
		return err
	}

	oc.NotifyConsumed(ctx, time.Since(start), f.opts.ConsumerType)
	return nil
}

func (f *Filter) invoke(ctx context.Context, oc *ConsumeContext, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.opts.Logger.Error("handler panic recovered",
				"event", oc.EventName(),
				"message_id", oc.Message().ID(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, oc)
}

// Consumer subscribes to one event on a transport and feeds every message
// through a Filter, acknowledging it with the outcome.
//
// Example:
//
//	c := outbox.NewConsumer(t, "orders.created", handler,
//	    outbox.WithConsumerScheduler(sched),
//	    outbox.WithIdempotency(idempotency.NewMemoryStore(time.Hour)),
//	)
//	go c.Start(ctx)
type Consumer struct {
	transport transport.Transport
	name      string
	handler   Handler
	filter    *Filter
	cfg       *consumerConfig
	logger    *slog.Logger
}

// NewConsumer creates a consumer for the named event.
func NewConsumer(t transport.Transport, name string, h Handler, opts ...ConsumerOption) *Consumer {
	cfg := &consumerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = transport.Logger("outbox>consumer")
	}
	filterOpts := append([]Option{WithLogger(cfg.logger)}, cfg.filterOpts...)

	return &Consumer{
		transport: t,
		name:      name,
		handler:   h,
		filter:    NewFilter(filterOpts...),
		cfg:       cfg,
		logger:    cfg.logger.With("event", name),
	}
}

// Start subscribes and processes messages one at a time until ctx is done
// or the subscription closes. It returns ctx.Err() on cancellation and nil
// when the subscription closed.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.transport.Subscribe(ctx, c.name, c.cfg.subscribeOpts...)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}
	defer sub.Close(context.WithoutCancel(ctx))

	c.logger.Info("consumer started", "subscription", sub.ID())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			err := c.Handle(ctx, msg)
			if err != nil {
				c.logger.Warn("message handling failed", "message_id", msg.ID(), "error", err)
			}
			if ackErr := msg.Ack(err); ackErr != nil {
				c.logger.Error("failed to ack message", "message_id", msg.ID(), "error", ackErr)
			}
		}
	}
}

// Handle processes a single message without acknowledging it.
//
// With an idempotency store, a message whose ID was already processed is
// skipped and nil is returned; the ID is marked processed after a
// successful commit and released again after a failure. With a poison
// detector, a message that fails often enough is quarantined and nil is
// returned so that the broker stops redelivering it.
func (c *Consumer) Handle(ctx context.Context, msg transport.Message) error {
	if c.cfg.limiter != nil {
		if err := c.cfg.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	if c.cfg.poison != nil {
		poisoned, err := c.cfg.poison.Check(ctx, msg.ID())
		if err != nil {
			c.logger.Warn("poison check failed", "message_id", msg.ID(), "error", err)
		} else if poisoned {
			c.logger.Warn("skipping quarantined message", "message_id", msg.ID())
			return nil
		}
	}

	if c.cfg.store != nil {
		dup, err := c.cfg.store.IsDuplicate(ctx, msg.ID())
		if err != nil {
			return fmt.Errorf("idempotency check: %w", err)
		}
		if dup {
			c.logger.Debug("skipping duplicate message", "message_id", msg.ID())
			return nil
		}
	}

	d := NewDelivery(c.name, msg, c.transport,
		WithScheduler(c.cfg.scheduler),
		WithObserver(c.cfg.observer),
	)
	err := c.filter.Consume(ctx, d, c.handler)

	if c.cfg.store != nil {
		if err != nil {
			if rmErr := c.cfg.store.Remove(ctx, msg.ID()); rmErr != nil {
				c.logger.Error("failed to release idempotency key", "message_id", msg.ID(), "error", rmErr)
			}
		} else if mkErr := c.cfg.store.MarkProcessed(ctx, msg.ID()); mkErr != nil {
			c.logger.Error("failed to mark message processed", "message_id", msg.ID(), "error", mkErr)
		}
	}

	if c.cfg.poison != nil {
		if err == nil {
			if rsErr := c.cfg.poison.RecordSuccess(ctx, msg.ID()); rsErr != nil {
				c.logger.Warn("failed to reset failure count", "message_id", msg.ID(), "error", rsErr)
			}
			return nil
		}
		poisoned, rfErr := c.cfg.poison.RecordFailure(ctx, msg.ID())
		if rfErr != nil {
			c.logger.Warn("failed to record failure", "message_id", msg.ID(), "error", rfErr)
		} else if poisoned {
			c.logger.Error("message quarantined", "message_id", msg.ID(), "event", c.name, "error", err)
			return nil
		}
	}
	return err
}
