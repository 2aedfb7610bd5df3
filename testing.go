package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/outbox/transport"
)

// RecordedMessage represents a message that was published during a test
type RecordedMessage struct {
	EventName string
	Message   transport.Message
	Timestamp time.Time
}

// RecordingPublisher records every published message and optionally
// forwards it to another publisher. Useful for asserting what an outbox
// released on commit.
//
// Example:
//
//	pub := outbox.NewRecordingPublisher(nil)
//	d := outbox.NewDelivery("orders.created", msg, pub)
type RecordingPublisher struct {
	next transport.Publisher

	mu       sync.Mutex
	messages []RecordedMessage
	failures map[string]error
}

// NewRecordingPublisher creates a recording publisher. next may be nil.
func NewRecordingPublisher(next transport.Publisher) *RecordingPublisher {
	return &RecordingPublisher{
		next:     next,
		failures: make(map[string]error),
	}
}

// Publish records the message and delegates to the wrapped publisher.
// A failure registered with FailWith is returned without recording.
func (p *RecordingPublisher) Publish(ctx context.Context, name string, msg transport.Message) error {
	p.mu.Lock()
	if err, ok := p.failures[name]; ok {
		p.mu.Unlock()
		return err
	}
	p.messages = append(p.messages, RecordedMessage{
		EventName: name,
		Message:   msg,
		Timestamp: time.Now(),
	})
	p.mu.Unlock()

	if p.next != nil {
		return p.next.Publish(ctx, name, msg)
	}
	return nil
}

// FailWith makes every publish to eventName return err. A nil err clears it.
func (p *RecordingPublisher) FailWith(eventName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, eventName)
		return
	}
	p.failures[eventName] = err
}

// Messages returns a copy of all recorded messages
func (p *RecordingPublisher) Messages() []RecordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]RecordedMessage, len(p.messages))
	copy(result, p.messages)
	return result
}

// MessagesFor returns recorded messages for a specific event
func (p *RecordingPublisher) MessagesFor(eventName string) []RecordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []RecordedMessage
	for _, m := range p.messages {
		if m.EventName == eventName {
			result = append(result, m)
		}
	}
	return result
}

// EventNames returns the event of every recorded message in publish order.
func (p *RecordingPublisher) EventNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.messages))
	for i, m := range p.messages {
		names[i] = m.EventName
	}
	return names
}

// Reset clears all recorded messages
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
}

// Count returns the number of recorded messages
func (p *RecordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// ObservedCall is one consumed or faulted notification.
type ObservedCall struct {
	EventName    string
	MessageID    string
	ConsumerType string
	Duration     time.Duration
	Err          error // nil for consumed
}

// RecordingObserver records delivery notifications.
type RecordingObserver struct {
	mu       sync.Mutex
	consumed []ObservedCall
	faulted  []ObservedCall
}

// Consumed records a consumed notification.
func (o *RecordingObserver) Consumed(ctx context.Context, eventName string, msg transport.Message, duration time.Duration, consumerType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consumed = append(o.consumed, ObservedCall{
		EventName:    eventName,
		MessageID:    msg.ID(),
		ConsumerType: consumerType,
		Duration:     duration,
	})
}

// Faulted records a faulted notification.
func (o *RecordingObserver) Faulted(ctx context.Context, eventName string, msg transport.Message, duration time.Duration, consumerType string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faulted = append(o.faulted, ObservedCall{
		EventName:    eventName,
		MessageID:    msg.ID(),
		ConsumerType: consumerType,
		Duration:     duration,
		Err:          err,
	})
}

// ConsumedCalls returns a copy of the consumed notifications.
func (o *RecordingObserver) ConsumedCalls() []ObservedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ObservedCall(nil), o.consumed...)
}

// FaultedCalls returns a copy of the faulted notifications.
func (o *RecordingObserver) FaultedCalls() []ObservedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ObservedCall(nil), o.faulted...)
}

var (
	_ transport.Publisher = (*RecordingPublisher)(nil)
	_ Observer            = (*RecordingObserver)(nil)
)
