// Package scheduler provides delayed and scheduled message delivery.
//
// Scheduled messages are stored and published to a transport at a future
// time. The outbox wraps a Scheduler so that messages scheduled while a
// consumer runs can be confirmed on commit or cancelled on rollback.
//
// # Overview
//
// The package provides:
//   - Scheduler interface for scheduling and managing messages
//   - Confirmer, an optional interface for two-phase scheduling
//   - MemoryScheduler: in-process implementation
//   - RedisScheduler: Redis sorted set implementation
//   - SQLScheduler: database/sql implementation (PostgreSQL, MySQL, SQLite)
//   - MongoScheduler: MongoDB implementation
//
// # Basic Usage
//
//	s := scheduler.NewRedisScheduler(redisClient, transport)
//	go s.Start(ctx)
//
//	// Schedule a message for 1 hour from now
//	id, err := s.ScheduleAfter(ctx, "orders.reminder", payload, nil, time.Hour)
//
//	// Cancel it again
//	err = s.Cancel(ctx, id)
//
// # Held messages
//
// A message scheduled with Held set is stored but never delivered until
// Confirm is called for it. Cancel removes it in either state. Every backend
// in this package implements Confirmer.
//
// # Architecture
//
// Each backend runs a polling loop:
//  1. Poll storage at PollInterval for confirmed messages where ScheduledAt <= now
//  2. Claim each due message so that concurrent schedulers don't double-deliver
//  3. Publish it to the transport
//  4. Remove it from storage, or release the claim if publishing failed
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/message"
)

// Scheduler errors
var (
	// ErrNotFound is returned when a message id is unknown to the scheduler.
	ErrNotFound = errors.New("scheduler: message not found")

	// ErrAlreadyStarted is returned by Start when the loop is already running.
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// Metadata keys added to a message when it is delivered.
const (
	MetadataScheduledID = "scheduled_message_id"
	MetadataScheduledAt = "scheduled_at"
)

// Message represents a scheduled message.
//
// Example:
//
//	msg := scheduler.Message{
//	    ID:          uuid.New().String(),
//	    EventName:   "orders.reminder",
//	    Payload:     jsonPayload,
//	    Metadata:    map[string]string{"order_id": orderID},
//	    ScheduledAt: time.Now().Add(24 * time.Hour),
//	}
type Message struct {
	// ID is a unique identifier for the message.
	// Used for cancellation, confirmation and deduplication.
	ID string `json:"id"`

	// EventName is the event/topic to publish to when delivered.
	EventName string `json:"event_name"`

	// Payload is the message data.
	Payload []byte `json:"payload"`

	// Metadata contains additional key-value pairs for the message.
	Metadata map[string]string `json:"metadata,omitempty"`

	// ScheduledAt is when the message should be delivered.
	ScheduledAt time.Time `json:"scheduled_at"`

	// CreatedAt is when the message was scheduled.
	CreatedAt time.Time `json:"created_at"`

	// Held messages are not delivered until confirmed.
	Held bool `json:"held,omitempty"`
}

// Scheduler schedules messages for future delivery.
//
// Implementations poll for due messages and publish them to a transport.
// All implementations must be safe for concurrent use.
type Scheduler interface {
	// Schedule adds a message for future delivery.
	// If ID is empty one is generated; the message is stored by value.
	Schedule(ctx context.Context, msg Message) error

	// ScheduleAt schedules for a specific time and returns the generated ID.
	ScheduleAt(ctx context.Context, eventName string, payload []byte, metadata map[string]string, at time.Time) (string, error)

	// ScheduleAfter schedules after a delay and returns the generated ID.
	ScheduleAfter(ctx context.Context, eventName string, payload []byte, metadata map[string]string, delay time.Duration) (string, error)

	// Cancel removes a scheduled message before delivery.
	// Returns ErrNotFound if the message does not exist.
	Cancel(ctx context.Context, id string) error

	// Get retrieves a scheduled message by ID.
	// Returns ErrNotFound if the message does not exist.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns scheduled messages matching the filter, ordered by ScheduledAt.
	List(ctx context.Context, filter Filter) ([]*Message, error)

	// Start runs the polling loop until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop signals the polling loop to exit and waits for it.
	Stop(ctx context.Context) error
}

// Confirmer is implemented by schedulers that support two-phase scheduling.
//
// A message scheduled with Held set is durable but invisible to the polling
// loop until Confirm releases it.
type Confirmer interface {
	// Confirm releases a held message for delivery. Confirming a message
	// that is not held is a no-op. Returns ErrNotFound if it does not exist.
	Confirm(ctx context.Context, id string) error
}

// Filter specifies criteria for listing scheduled messages.
//
// All fields are optional. Empty filter returns all messages.
type Filter struct {
	// EventName filters by event name (empty = all events).
	EventName string

	// Before returns messages scheduled before this time (zero = no maximum).
	Before time.Time

	// After returns messages scheduled after this time (zero = no minimum).
	After time.Time

	// Limit is the maximum number of messages to return (0 = no limit).
	Limit int
}

func (f Filter) match(m *Message) bool {
	if f.EventName != "" && m.EventName != f.EventName {
		return false
	}
	if !f.Before.IsZero() && !m.ScheduledAt.Before(f.Before) {
		return false
	}
	if !f.After.IsZero() && !m.ScheduledAt.After(f.After) {
		return false
	}
	return true
}

// Options configures the scheduler behavior.
//
//	s := NewRedisScheduler(client, transport,
//	    WithPollInterval(100*time.Millisecond),
//	    WithBatchSize(50),
//	)
type Options struct {
	// PollInterval is how often to check for due messages.
	// Default: 100ms
	PollInterval time.Duration

	// BatchSize is the maximum number of messages to process per poll.
	// Default: 100
	BatchSize int

	// KeyPrefix is the prefix for storage keys (Redis).
	// Default: "scheduler:"
	KeyPrefix string

	// StuckAfter is how long a claimed message may stay in processing
	// before another poll releases it again (SQL, MongoDB).
	// Default: 5m
	StuckAfter time.Duration

	// Source is the message source set on delivered messages.
	// Default: "scheduler"
	Source string

	// Logger receives delivery and failure logs.
	Logger *slog.Logger
}

// DefaultOptions returns default scheduler options.
func DefaultOptions() *Options {
	return &Options{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
		KeyPrefix:    "scheduler:",
		StuckAfter:   5 * time.Minute,
		Source:       "scheduler",
	}
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithPollInterval sets how often to check for due messages.
//
// Lower values reduce delivery latency but increase load on the backend.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithBatchSize sets the maximum number of messages to process per poll.
func WithBatchSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.BatchSize = size
		}
	}
}

// WithKeyPrefix sets the prefix for storage keys.
//
// Example:
//
//	s := NewRedisScheduler(client, transport, WithKeyPrefix("billing:scheduler:"))
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.KeyPrefix = prefix
		}
	}
}

// WithStuckAfter sets how long a claim may be held before it is released.
func WithStuckAfter(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.StuckAfter = d
		}
	}
}

// WithSource sets the source recorded on delivered messages.
func WithSource(source string) Option {
	return func(o *Options) {
		if source != "" {
			o.Source = source
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func newOptions(component string, opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = transport.Logger(component)
	}
	return o
}

// prepare fills in defaults for a message about to be stored.
func prepare(msg *Message) {
	if msg.ID == "" {
		msg.ID = transport.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
}

func newMessage(eventName string, payload []byte, metadata map[string]string, at time.Time) Message {
	return Message{
		ID:          transport.NewID(),
		EventName:   eventName,
		Payload:     payload,
		Metadata:    metadata,
		ScheduledAt: at,
		CreatedAt:   time.Now(),
	}
}

// deliver publishes a due message, tagging it with its schedule metadata.
func deliver(ctx context.Context, pub transport.Publisher, source string, msg *Message) error {
	metadata := make(map[string]string, len(msg.Metadata)+2)
	maps.Copy(metadata, msg.Metadata)
	metadata[MetadataScheduledID] = msg.ID
	metadata[MetadataScheduledAt] = msg.ScheduledAt.UTC().Format(time.RFC3339Nano)

	return pub.Publish(ctx, msg.EventName, message.New(msg.ID, source, msg.Payload, metadata))
}

// poller is the Start/Stop loop shared by every backend.
type poller struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// run calls tick every interval until ctx ends or stop is called.
// onStart, if non-nil, runs once before the first tick.
func (p *poller) run(ctx context.Context, interval time.Duration, onStart, tick func(context.Context)) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(doneCh)
	}()

	if onStart != nil {
		onStart(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (p *poller) stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	p.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
