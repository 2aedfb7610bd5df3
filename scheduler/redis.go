package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"github.com/redis/go-redis/v9"
)

// RedisScheduler stores scheduled messages in Redis.
//
// Redis data structures:
//   - Hash   {prefix}messages: id -> JSON message (held and confirmed)
//   - ZSet   {prefix}due:      id scored by ScheduledAt in Unix milliseconds
//
// Held messages live only in the hash, so the polling loop never sees them
// until Confirm adds them to the due set. A poller claims a due message by
// removing its id from the due set; only the instance whose ZREM succeeds
// publishes it, which keeps delivery single-shot across replicas.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := scheduler.NewRedisScheduler(rdb, transport,
//	    scheduler.WithPollInterval(100*time.Millisecond),
//	)
//	go s.Start(ctx)
type RedisScheduler struct {
	client redis.Cmdable
	pub    transport.Publisher
	opts   *Options
	now    func() time.Time

	poller
}

// NewRedisScheduler creates a new Redis-based scheduler.
//
// The client may be a single node, Sentinel, or Cluster client; in Cluster
// mode choose a KeyPrefix with a hash tag such as "{scheduler}:".
func NewRedisScheduler(client redis.Cmdable, pub transport.Publisher, opts ...Option) *RedisScheduler {
	return &RedisScheduler{
		client: client,
		pub:    pub,
		opts:   newOptions("scheduler>redis", opts...),
		now:    time.Now,
	}
}

// Schedule adds a message for future delivery.
func (s *RedisScheduler) Schedule(ctx context.Context, msg Message) error {
	prepare(&msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.messagesKey(), msg.ID, data)
		if !msg.Held {
			pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(msg.ScheduledAt), Member: msg.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	s.opts.Logger.Debug("scheduled message",
		"id", msg.ID, "event", msg.EventName, "scheduled_at", msg.ScheduledAt, "held", msg.Held)
	return nil
}

// ScheduleAt schedules a message for a specific time.
func (s *RedisScheduler) ScheduleAt(ctx context.Context, eventName string, payload []byte, metadata map[string]string, at time.Time) (string, error) {
	msg := newMessage(eventName, payload, metadata, at)
	if err := s.Schedule(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ScheduleAfter schedules a message after a delay.
func (s *RedisScheduler) ScheduleAfter(ctx context.Context, eventName string, payload []byte, metadata map[string]string, delay time.Duration) (string, error) {
	return s.ScheduleAt(ctx, eventName, payload, metadata, s.now().Add(delay))
}

// confirmScript releases a held message only while it still exists, so a
// concurrent Cancel is never undone.
//
//	KEYS[1] messages hash, KEYS[2] due set
//	ARGV[1] id, ARGV[2] confirmed JSON, ARGV[3] score
var confirmScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// Confirm releases a held message by adding it to the due set.
func (s *RedisScheduler) Confirm(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !msg.Held {
		return nil
	}

	msg.Held = false
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ok, err := confirmScript.Run(ctx, s.client,
		[]string{s.messagesKey(), s.dueKey()},
		id, data, strconv.FormatFloat(score(msg.ScheduledAt), 'f', 0, 64),
	).Int()
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel removes a scheduled message.
func (s *RedisScheduler) Cancel(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.messagesKey(), id)
		pipe.ZRem(ctx, s.dueKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}

	s.opts.Logger.Debug("cancelled scheduled message", "id", id)
	return nil
}

// Get retrieves a scheduled message by ID.
func (s *RedisScheduler) Get(ctx context.Context, id string) (*Message, error) {
	data, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (s *RedisScheduler) load(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.messagesKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// List returns scheduled messages matching the filter, held ones included.
func (s *RedisScheduler) List(ctx context.Context, filter Filter) ([]*Message, error) {
	values, err := s.client.HVals(ctx, s.messagesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hvals: %w", err)
	}

	messages := make([]*Message, 0, len(values))
	for _, v := range values {
		var msg Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			continue
		}
		if filter.match(&msg) {
			messages = append(messages, &msg)
		}
	}

	sortByScheduledAt(messages)
	if filter.Limit > 0 && len(messages) > filter.Limit {
		messages = messages[:filter.Limit]
	}
	return messages, nil
}

// Start runs the polling loop.
func (s *RedisScheduler) Start(ctx context.Context) error {
	s.opts.Logger.Info("scheduler started",
		"poll_interval", s.opts.PollInterval,
		"batch_size", s.opts.BatchSize)
	return s.run(ctx, s.opts.PollInterval, nil, s.processDue)
}

// Stop stops the polling loop.
func (s *RedisScheduler) Stop(ctx context.Context) error {
	return s.stop(ctx)
}

func (s *RedisScheduler) processDue(ctx context.Context) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(s.now()), 'f', 0, 64),
		Count: int64(s.opts.BatchSize),
	}).Result()
	if err != nil {
		s.opts.Logger.Error("failed to get due messages", "error", err)
		return
	}

	for _, id := range ids {
		claimed, err := s.client.ZRem(ctx, s.dueKey(), id).Result()
		if err != nil {
			s.opts.Logger.Error("failed to claim due message", "id", id, "error", err)
			continue
		}
		if claimed == 0 {
			continue // another instance took it
		}

		data, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.opts.Logger.Error("failed to load due message", "id", id, "error", err)
			s.requeue(ctx, id, s.now())
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			s.opts.Logger.Error("dropping corrupt scheduled message", "id", id, "error", err)
			s.client.HDel(ctx, s.messagesKey(), id)
			continue
		}

		if err := deliver(ctx, s.pub, s.opts.Source, msg); err != nil {
			s.opts.Logger.Error("failed to publish scheduled message",
				"id", msg.ID, "event", msg.EventName, "error", err)
			s.requeue(ctx, id, msg.ScheduledAt)
			continue
		}

		if err := s.client.HDel(ctx, s.messagesKey(), id).Err(); err != nil {
			s.opts.Logger.Error("failed to remove delivered message", "id", id, "error", err)
		}
		s.opts.Logger.Debug("delivered scheduled message", "id", msg.ID, "event", msg.EventName)
	}
}

// requeue puts a claimed id back into the due set for the next poll.
func (s *RedisScheduler) requeue(ctx context.Context, id string, at time.Time) {
	if err := s.client.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(at), Member: id}).Err(); err != nil {
		s.opts.Logger.Error("failed to requeue scheduled message", "id", id, "error", err)
	}
}

func (s *RedisScheduler) messagesKey() string {
	return s.opts.KeyPrefix + "messages"
}

func (s *RedisScheduler) dueKey() string {
	return s.opts.KeyPrefix + "due"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

var (
	_ Scheduler = (*RedisScheduler)(nil)
	_ Confirmer = (*RedisScheduler)(nil)
)
