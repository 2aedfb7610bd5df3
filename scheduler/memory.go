package scheduler

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/outbox/transport"
)

// MemoryScheduler keeps scheduled messages in process memory.
//
// Messages do not survive a restart. Use it for tests, for single-process
// deployments, or together with the channel transport.
//
// Example:
//
//	s := scheduler.NewMemoryScheduler(transport)
//	go s.Start(ctx)
//	defer s.Stop(ctx)
type MemoryScheduler struct {
	pub  transport.Publisher
	opts *Options
	now  func() time.Time

	mu       sync.Mutex
	messages map[string]*Message

	poller
}

// NewMemoryScheduler creates an in-memory scheduler publishing to pub.
func NewMemoryScheduler(pub transport.Publisher, opts ...Option) *MemoryScheduler {
	return &MemoryScheduler{
		pub:      pub,
		opts:     newOptions("scheduler>memory", opts...),
		now:      time.Now,
		messages: make(map[string]*Message),
	}
}

// Schedule adds a message for future delivery.
func (s *MemoryScheduler) Schedule(ctx context.Context, msg Message) error {
	prepare(&msg)
	msg.Metadata = maps.Clone(msg.Metadata)

	s.mu.Lock()
	s.messages[msg.ID] = &msg
	s.mu.Unlock()

	s.opts.Logger.Debug("scheduled message",
		"id", msg.ID, "event", msg.EventName, "scheduled_at", msg.ScheduledAt, "held", msg.Held)
	return nil
}

// ScheduleAt schedules a message for a specific time.
func (s *MemoryScheduler) ScheduleAt(ctx context.Context, eventName string, payload []byte, metadata map[string]string, at time.Time) (string, error) {
	msg := newMessage(eventName, payload, metadata, at)
	if err := s.Schedule(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ScheduleAfter schedules a message after a delay.
func (s *MemoryScheduler) ScheduleAfter(ctx context.Context, eventName string, payload []byte, metadata map[string]string, delay time.Duration) (string, error) {
	return s.ScheduleAt(ctx, eventName, payload, metadata, s.now().Add(delay))
}

// Confirm releases a held message for delivery.
func (s *MemoryScheduler) Confirm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Held = false
	return nil
}

// Cancel removes a scheduled message.
func (s *MemoryScheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	s.opts.Logger.Debug("cancelled scheduled message", "id", id)
	return nil
}

// Get returns a copy of a scheduled message.
func (s *MemoryScheduler) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// List returns scheduled messages matching the filter.
func (s *MemoryScheduler) List(ctx context.Context, filter Filter) ([]*Message, error) {
	s.mu.Lock()
	out := make([]*Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.match(msg) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sortByScheduledAt(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Start runs the polling loop.
func (s *MemoryScheduler) Start(ctx context.Context) error {
	s.opts.Logger.Info("scheduler started", "poll_interval", s.opts.PollInterval)
	return s.run(ctx, s.opts.PollInterval, nil, s.processDue)
}

// Stop stops the polling loop.
func (s *MemoryScheduler) Stop(ctx context.Context) error {
	return s.stop(ctx)
}

// Len returns the number of stored messages, held or not.
func (s *MemoryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryScheduler) processDue(ctx context.Context) {
	now := s.now()

	// Claim due messages by removing them; put back on publish failure.
	s.mu.Lock()
	var due []*Message
	for id, msg := range s.messages {
		if msg.Held || msg.ScheduledAt.After(now) {
			continue
		}
		due = append(due, msg)
		delete(s.messages, id)
	}
	s.mu.Unlock()

	sortByScheduledAt(due)
	if len(due) > s.opts.BatchSize {
		s.mu.Lock()
		for _, msg := range due[s.opts.BatchSize:] {
			s.messages[msg.ID] = msg
		}
		s.mu.Unlock()
		due = due[:s.opts.BatchSize]
	}

	for _, msg := range due {
		if err := deliver(ctx, s.pub, s.opts.Source, msg); err != nil {
			s.opts.Logger.Error("failed to publish scheduled message",
				"id", msg.ID, "event", msg.EventName, "error", err)
			s.mu.Lock()
			if _, exists := s.messages[msg.ID]; !exists {
				s.messages[msg.ID] = msg
			}
			s.mu.Unlock()
			continue
		}
		s.opts.Logger.Debug("delivered scheduled message", "id", msg.ID, "event", msg.EventName)
	}
}

func sortByScheduledAt(msgs []*Message) {
	slices.SortStableFunc(msgs, func(a, b *Message) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
}

var (
	_ Scheduler = (*MemoryScheduler)(nil)
	_ Confirmer = (*MemoryScheduler)(nil)
)
