// Package transport provides shared types and interfaces for broker transports.
//
// Transport implementations (channel, redis, nats, kafka, amqp) import this
// package rather than the root outbox package to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/outbox/transport/codec"
	"github.com/rbaliyan/outbox/transport/message"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrEventNotRegistered = errors.New("event not registered")
	ErrEventAlreadyExists = errors.New("event already registered")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrPublishTimeout     = errors.New("publish timeout")
)

// HealthStatus represents the health state of a transport
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains health information for a transport
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// for readiness probes.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}

// DeliveryMode determines how messages are distributed to subscribers
type DeliveryMode int

const (
	// Broadcast delivers message to ALL subscribers (pub/sub fan-out)
	Broadcast DeliveryMode = iota
	// WorkerPool delivers message to ONE subscriber (load balancing across workers)
	WorkerPool
)

func (m DeliveryMode) String() string {
	if m == WorkerPool {
		return "worker_pool"
	}
	return "broadcast"
}

// StartPosition determines where a new subscription starts reading
type StartPosition int

const (
	// StartFromBeginning processes all retained messages.
	StartFromBeginning StartPosition = iota
	// StartFromLatest only receives messages published after subscription.
	StartFromLatest
)

// SubscribeOptions configures subscription behavior
type SubscribeOptions struct {
	// DeliveryMode determines how messages are distributed.
	// Default: Broadcast
	DeliveryMode DeliveryMode

	// WorkerGroup names the competing-consumer group in WorkerPool mode.
	// Workers in the same group share messages; different groups each
	// receive every message. Empty means the transport's default group.
	WorkerGroup string

	// StartFrom determines where to start reading messages on transports
	// that retain history (Redis Streams, Kafka).
	StartFrom StartPosition

	// BufferSize overrides the default message channel buffer size.
	BufferSize int
}

// SubscribeOption is a functional option for configuring subscriptions
type SubscribeOption func(*SubscribeOptions)

// WithDeliveryMode sets the message delivery mode.
//
// Example:
//
//	sub, err := t.Subscribe(ctx, "orders.created",
//	    transport.WithDeliveryMode(transport.WorkerPool))
func WithDeliveryMode(mode DeliveryMode) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DeliveryMode = mode
	}
}

// WithWorkerGroup sets the worker group name and implies WorkerPool mode.
//
// Example:
//
//	sub, err := t.Subscribe(ctx, "orders.created",
//	    transport.WithWorkerGroup("billing"))
func WithWorkerGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DeliveryMode = WorkerPool
		o.WorkerGroup = group
	}
}

// WithStartFrom sets where to start reading messages.
func WithStartFrom(pos StartPosition) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.StartFrom = pos
	}
}

// WithBufferSize sets the message channel buffer size.
func WithBufferSize(size int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BufferSize = size
	}
}

// DefaultSubscribeOptions returns the default subscription options
func DefaultSubscribeOptions() *SubscribeOptions {
	return &SubscribeOptions{
		DeliveryMode: Broadcast,
		StartFrom:    StartFromBeginning,
	}
}

// ApplySubscribeOptions applies functional options to SubscribeOptions
func ApplySubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	o := DefaultSubscribeOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Publisher is the send half of a transport. Pending outbox actions and
// scheduler backends only need this.
type Publisher interface {
	// Publish sends a message to an event's subscribers.
	// Returns ErrEventNotRegistered if the event is not registered.
	Publish(ctx context.Context, name string, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, name string, msg Message) error

// Publish calls f(ctx, name, msg).
func (f PublisherFunc) Publish(ctx context.Context, name string, msg Message) error {
	return f(ctx, name, msg)
}

// Transport manages message delivery for events
type Transport interface {
	Publisher

	// RegisterEvent creates resources for an event (topic, stream, exchange).
	// Must be called before Publish or Subscribe.
	RegisterEvent(ctx context.Context, name string) error

	// UnregisterEvent cleans up event resources and closes all subscriptions
	UnregisterEvent(ctx context.Context, name string) error

	// Subscribe creates a subscription to receive messages for an event.
	// Default is Broadcast mode (all subscribers receive every message).
	//
	// Returns ErrEventNotRegistered if event not registered
	Subscribe(ctx context.Context, name string, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the transport and all events
	Close(ctx context.Context) error
}

// Subscription represents a subscriber's connection to an event
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Messages returns the channel to receive messages
	Messages() <-chan Message

	// Close unsubscribes and closes the message channel
	Close(ctx context.Context) error
}

// Message is the message interface from the message package
type Message = message.Message

// Codec is the codec interface from the codec package
type Codec = codec.Codec

// DefaultCodec returns the default codec used by transports (JSON)
func DefaultCodec() Codec {
	return codec.Default()
}

var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}

// Backoff doubles d up to limit.
func Backoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
