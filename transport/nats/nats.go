// Package nats provides a transport on NATS core subjects.
//
// Each event maps to one subject. Broadcast subscribers use plain
// subscriptions; WorkerPool subscribers join a queue group so each message
// reaches one member.
//
// NATS core is at-most-once. A message is lost when no subscriber is
// connected, and Ack is a no-op. Pair it with a durable scheduler backend
// and an idempotency store when loss matters.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/codec"
)

// ErrConnRequired is returned when no NATS connection is provided
var ErrConnRequired = errors.New("nats connection is required")

// DefaultQueueGroup is the queue group of WorkerPool subscribers without a
// named worker group.
var DefaultQueueGroup = "outbox-workers"

const flushTimeout = 5 * time.Second

// Transport implements transport.Transport using NATS core pub/sub
type Transport struct {
	status  int32
	conn    *nats.Conn
	codec   codec.Codec
	prefix  string
	logger  *slog.Logger
	onError func(error)

	events sync.Map // map[string]struct{}
}

// Option configures the NATS transport
type Option func(*Transport)

// WithCodec sets the message codec. Default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithSubjectPrefix prefixes every event subject, e.g. "outbox" turns
// "orders.created" into "outbox.orders.created".
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler is called with publish failures and undecodable messages.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// New creates a transport on an existing connection. The connection is not
// closed by Close.
//
// Example:
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	nt, _ := outboxnats.New(nc, outboxnats.WithSubjectPrefix("outbox"))
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &Transport{
		status:  1,
		conn:    conn,
		codec:   codec.Default(),
		logger:  transport.Logger("transport>nats"),
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) subject(name string) string {
	if t.prefix == "" {
		return name
	}
	return t.prefix + "." + name
}

func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}
	t.logger.Debug("registered event", "event", name, "subject", t.subject(name))
	return nil
}

func (t *Transport) UnregisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.events.LoadAndDelete(name); !ok {
		return transport.ErrEventNotRegistered
	}
	t.logger.Debug("unregistered event", "event", name)
	return nil
}

// Publish encodes msg and publishes it with the codec's content type header.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return transport.ErrEventNotRegistered
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	out := nats.NewMsg(t.subject(name))
	out.Data = data
	out.Header.Set("Content-Type", t.codec.ContentType())
	out.Header.Set(nats.MsgIdHdr, msg.ID())

	if err := t.conn.PublishMsg(out); err != nil {
		t.onError(err)
		return fmt.Errorf("nats publish: %w", err)
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

// Subscribe subscribes to the event subject. The subscription is flushed to
// the server before Subscribe returns, so messages published afterwards are
// received.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	bufSize := 100
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		codec:    t.codec,
		logger:   t.logger.With("event", name),
		onError:  t.onError,
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	subject := t.subject(name)
	if subOpts.DeliveryMode == transport.WorkerPool {
		queue := DefaultQueueGroup
		if subOpts.WorkerGroup != "" {
			queue = subOpts.WorkerGroup
		}
		natsSub, err = t.conn.QueueSubscribe(subject, queue, sub.handle)
	} else {
		natsSub, err = t.conn.Subscribe(subject, sub.handle)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	sub.sub = natsSub

	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := t.conn.FlushWithContext(flushCtx); err != nil {
		natsSub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	t.logger.Debug("subscribed", "event", name, "subscriber", sub.id, "mode", subOpts.DeliveryMode)
	return sub, nil
}

func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health reports the connection status.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "nats"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	status := t.conn.Status()
	result.Details["connection_status"] = status.String()
	if status != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats transport is healthy"
	result.Latency = time.Since(start)
	result.Details["server_url"] = t.conn.ConnectedUrl()
	return result
}

type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	sub      *nats.Subscription
	codec    codec.Codec
	logger   *slog.Logger
	onError  func(error)

	// held by handle while sending so Close does not close ch under it
	mu sync.RWMutex
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.closedCh)
	err := s.sub.Unsubscribe()

	s.mu.Lock()
	close(s.ch)
	s.mu.Unlock()
	return err
}

// handle runs on the NATS dispatcher goroutine. It blocks while the buffer
// is full, which makes the client buffer the backlog and eventually report
// a slow consumer.
func (s *subscription) handle(m *nats.Msg) {
	decoded, err := s.codec.Decode(m.Data)
	if err != nil {
		s.logger.Error("failed to decode message, dropping", "subject", m.Subject, "error", err)
		s.onError(err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	select {
	case <-s.closedCh:
	case s.ch <- decoded:
	}
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
