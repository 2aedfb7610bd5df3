package poison

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares failure counts and quarantines between consumer instances.
type RedisStore struct {
	client           redis.Cmdable
	failurePrefix    string
	quarantinePrefix string
	failureTTL       time.Duration
}

// RedisStoreOption configures a RedisStore
type RedisStoreOption func(*RedisStore)

func WithFailurePrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.failurePrefix = prefix
	}
}

func WithQuarantinePrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.quarantinePrefix = prefix
	}
}

// WithFailureTTL sets how long an idle failure count is kept. Default 24h.
func WithFailureTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.failureTTL = ttl
		}
	}
}

func NewRedisStore(client redis.Cmdable, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:           client,
		failurePrefix:    "outbox:poison:failures:",
		quarantinePrefix: "outbox:poison:quarantine:",
		failureTTL:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) IncrementFailure(ctx context.Context, messageID string) (int, error) {
	key := s.failurePrefix + messageID

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.failureTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) GetFailureCount(ctx context.Context, messageID string) (int, error) {
	val, err := s.client.Get(ctx, s.failurePrefix+messageID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", val, err)
	}
	return count, nil
}

func (s *RedisStore) ClearFailures(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.failurePrefix+messageID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkPoison(ctx context.Context, messageID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.quarantinePrefix+messageID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) IsPoison(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.quarantinePrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) ClearPoison(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.quarantinePrefix+messageID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
