package outbox

import (
	"context"
	"time"

	"github.com/rbaliyan/outbox/scheduler"
	"github.com/rbaliyan/outbox/transport"
)

// Delivery is the inbound message being consumed together with the
// capabilities a consumer may use while handling it.
//
// A ConsumeContext wraps a Delivery and intercepts every outgoing effect;
// everything else is forwarded to the Delivery unchanged.
type Delivery interface {
	// Message returns the inbound message.
	Message() transport.Message

	// EventName returns the event the message was received on.
	EventName() string

	// Publisher sends outgoing messages. Buffered outbox actions publish here.
	Publisher() transport.Publisher

	// Scheduler returns the scheduling capability, or nil if none is attached.
	Scheduler() scheduler.Scheduler

	// NotifyConsumed reports that the message was handled successfully.
	NotifyConsumed(ctx context.Context, duration time.Duration, consumerType string)

	// NotifyFaulted reports that handling the message failed.
	NotifyFaulted(ctx context.Context, duration time.Duration, consumerType string, err error)
}

// Observer receives consumed and faulted notifications for deliveries.
type Observer interface {
	Consumed(ctx context.Context, eventName string, msg transport.Message, duration time.Duration, consumerType string)
	Faulted(ctx context.Context, eventName string, msg transport.Message, duration time.Duration, consumerType string, err error)
}

// DeliveryOption configures a delivery built by NewDelivery.
type DeliveryOption func(*delivery)

// WithScheduler attaches a scheduler to the delivery.
func WithScheduler(s scheduler.Scheduler) DeliveryOption {
	return func(d *delivery) {
		d.scheduler = s
	}
}

// WithObserver sets the observer notified by NotifyConsumed and NotifyFaulted.
func WithObserver(o Observer) DeliveryOption {
	return func(d *delivery) {
		d.observer = o
	}
}

type delivery struct {
	name      string
	msg       transport.Message
	pub       transport.Publisher
	scheduler scheduler.Scheduler
	observer  Observer
}

// NewDelivery creates a Delivery for msg received on the named event.
//
// Example:
//
//	d := outbox.NewDelivery("orders.created", msg, transport,
//	    outbox.WithScheduler(sched),
//	)
//	oc := outbox.NewConsumeContext(d)
func NewDelivery(name string, msg transport.Message, pub transport.Publisher, opts ...DeliveryOption) Delivery {
	d := &delivery{name: name, msg: msg, pub: pub}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *delivery) Message() transport.Message     { return d.msg }
func (d *delivery) EventName() string              { return d.name }
func (d *delivery) Publisher() transport.Publisher { return d.pub }
func (d *delivery) Scheduler() scheduler.Scheduler { return d.scheduler }

func (d *delivery) NotifyConsumed(ctx context.Context, duration time.Duration, consumerType string) {
	if d.observer != nil {
		d.observer.Consumed(ctx, d.name, d.msg, duration, consumerType)
	}
}

func (d *delivery) NotifyFaulted(ctx context.Context, duration time.Duration, consumerType string, err error) {
	if d.observer != nil {
		d.observer.Faulted(ctx, d.name, d.msg, duration, consumerType, err)
	}
}

var _ Delivery = (*delivery)(nil)
