// Package channel provides an in-process transport built on Go channels.
//
// Channel transport is suitable for local pub/sub within a single process
// and for tests. It does NOT provide at-least-once delivery:
//
//   - Messages are lost on process crash or restart
//   - Messages may be dropped if WithTimeout is set and subscribers are slow
//   - No persistence or redelivery
//
// Use the Redis, NATS, Kafka, or AMQP transports when delivery must survive
// the process.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels
type Transport struct {
	status     int32
	events     sync.Map // map[string]*eventChannel
	bufferSize uint
	timeout    time.Duration
	logger     *slog.Logger
	onError    func(error)

	droppedCounter metric.Int64Counter
}

type eventChannel struct {
	name        string
	mu          sync.RWMutex
	subscribers map[string]*subscription
	nextWorker  map[string]*uint64 // round-robin cursor per worker group
	closed      int32
}

type subscription struct {
	id       string
	ch       chan transport.Message
	ev       *eventChannel
	mode     transport.DeliveryMode
	group    string
	closed   int32
	closedCh chan struct{}
	mu       sync.Mutex // serializes sends against close(ch)
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		if s.ev != nil {
			s.ev.mu.Lock()
			delete(s.ev.subscribers, s.id)
			s.ev.mu.Unlock()
		}
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	}
	return nil
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("outbox.transport.channel")
	droppedCounter, _ := meter.Int64Counter("outbox.transport.channel.dropped",
		metric.WithDescription("Number of messages dropped by channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:         1,
		bufferSize:     o.bufferSize,
		timeout:        o.timeout,
		logger:         o.logger,
		onError:        o.onError,
		droppedCounter: droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// RegisterEvent creates resources for an event
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	ec := &eventChannel{
		name:        name,
		subscribers: make(map[string]*subscription),
		nextWorker:  make(map[string]*uint64),
	}
	if _, loaded := t.events.LoadOrStore(name, ec); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name)
	return nil
}

// UnregisterEvent cleans up event resources and closes all subscriptions
func (t *Transport) UnregisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	val, ok := t.events.LoadAndDelete(name)
	if !ok {
		return transport.ErrEventNotRegistered
	}
	t.closeEvent(ctx, val.(*eventChannel))

	t.logger.Debug("unregistered event", "event", name)
	return nil
}

func (t *Transport) closeEvent(ctx context.Context, ec *eventChannel) {
	atomic.StoreInt32(&ec.closed, 1)
	ec.mu.RLock()
	subs := make([]*subscription, 0, len(ec.subscribers))
	for _, sub := range ec.subscribers {
		subs = append(subs, sub)
	}
	ec.mu.RUnlock()
	for _, sub := range subs {
		sub.Close(ctx)
	}
}

func (t *Transport) lookup(name string) (*eventChannel, error) {
	val, ok := t.events.Load(name)
	if !ok {
		return nil, transport.ErrEventNotRegistered
	}
	ec := val.(*eventChannel)
	if atomic.LoadInt32(&ec.closed) == 1 {
		return nil, transport.ErrEventNotRegistered
	}
	return ec, nil
}

// Publish sends a message to an event's subscribers. Every broadcast
// subscriber receives it; each worker group receives it once.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	ec, err := t.lookup(name)
	if err != nil {
		return err
	}

	var broadcastSubs []*subscription
	workerGroups := make(map[string][]*subscription)

	ec.mu.RLock()
	for _, sub := range ec.subscribers {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		if sub.mode == transport.WorkerPool {
			workerGroups[sub.group] = append(workerGroups[sub.group], sub)
		} else {
			broadcastSubs = append(broadcastSubs, sub)
		}
	}
	ec.mu.RUnlock()

	if len(broadcastSubs) == 0 && len(workerGroups) == 0 {
		t.logger.Debug("dropping message, no subscribers", "event", name, "msg_id", msg.ID())
		t.recordDrop(ctx, name, "no_subscribers", "")
		return nil
	}

	for _, sub := range broadcastSubs {
		if err := t.sendToSubscriber(ctx, sub, msg); err != nil {
			if errors.Is(err, transport.ErrPublishTimeout) {
				t.logger.Debug("broadcast message dropped, subscriber too slow",
					"event", name, "subscriber", sub.id, "msg_id", msg.ID())
				t.recordDrop(ctx, name, "timeout", transport.Broadcast.String())
			}
			t.onError(err)
		}
	}

	var errs []error
	for group, subs := range workerGroups {
		if err := t.sendToGroup(ctx, ec, group, subs, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendToGroup delivers to one worker of the group, trying the next worker
// in round-robin order when a send fails.
func (t *Transport) sendToGroup(ctx context.Context, ec *eventChannel, group string, subs []*subscription, msg transport.Message) error {
	ec.mu.Lock()
	cursor, ok := ec.nextWorker[group]
	if !ok {
		cursor = new(uint64)
		ec.nextWorker[group] = cursor
	}
	ec.mu.Unlock()

	slices.SortFunc(subs, func(a, b *subscription) int { return strings.Compare(a.id, b.id) })
	start := atomic.AddUint64(cursor, 1)
	n := uint64(len(subs))
	var lastErr error
	for i := range n {
		sub := subs[(start+i)%n]
		if err := t.sendToSubscriber(ctx, sub, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	t.logger.Warn("all worker pool subscribers failed, message dropped",
		"event", ec.name, "group", group, "msg_id", msg.ID(), "last_error", lastErr)
	t.recordDrop(ctx, ec.name, "all_workers_failed", transport.WorkerPool.String())
	t.onError(lastErr)
	return lastErr
}

func (t *Transport) recordDrop(ctx context.Context, event, reason, mode string) {
	if t.droppedCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("event", event),
		attribute.String("reason", reason),
	}
	if mode != "" {
		attrs = append(attrs, attribute.String("mode", mode))
	}
	t.droppedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (t *Transport) sendToSubscriber(ctx context.Context, sub *subscription, msg transport.Message) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if atomic.LoadInt32(&sub.closed) == 1 {
		return transport.ErrSubscriptionClosed
	}

	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			return transport.ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.closedCh:
			return transport.ErrSubscriptionClosed
		case sub.ch <- msg:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sub.closedCh:
		return transport.ErrSubscriptionClosed
	case sub.ch <- msg:
		return nil
	}
}

// Subscribe creates a subscription to receive messages for an event
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	ec, err := t.lookup(name)
	if err != nil {
		return nil, err
	}

	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = uint(subOpts.BufferSize)
	}

	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		ev:       ec,
		mode:     subOpts.DeliveryMode,
		group:    subOpts.WorkerGroup,
		closedCh: make(chan struct{}),
	}

	ec.mu.Lock()
	ec.subscribers[sub.id] = sub
	ec.mu.Unlock()

	t.logger.Debug("added subscriber", "event", name, "subscriber", sub.id, "mode", subOpts.DeliveryMode)
	return sub, nil
}

// Close shuts down the transport and all events
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.events.Range(func(key, value any) bool {
		t.closeEvent(ctx, value.(*eventChannel))
		return true
	})

	t.logger.Debug("transport closed")
	return nil
}

// Health reports whether the transport is open along with event and
// subscriber counts.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var events, subscribers int
	t.events.Range(func(key, value any) bool {
		events++
		ec := value.(*eventChannel)
		ec.mu.RLock()
		subscribers += len(ec.subscribers)
		ec.mu.RUnlock()
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "channel"
	result.Details["events"] = events
	result.Details["subscribers"] = subscribers
	result.Details["buffer_size"] = t.bufferSize
	return result
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
