package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	claimedValue   = "claimed"
	processedValue = "processed"
)

// RedisStore tracks processed IDs as Redis keys with a TTL.
//
// IsDuplicate claims the ID with SET NX, so two consumers receiving the same
// message at once cannot both process it. The claim expires after the claim
// TTL unless MarkProcessed replaces it with the processed TTL.
type RedisStore struct {
	client   redis.Cmdable
	ttl      time.Duration
	claimTTL time.Duration
	prefix   string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix. Default is "outbox:idem:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClaimTTL bounds how long an unfinished claim blocks redelivery.
// Default is five minutes.
func WithClaimTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.claimTTL = ttl
		}
	}
}

// NewRedisStore creates a store on client. A non-positive ttl selects DefaultTTL.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb, time.Hour, idempotency.WithKeyPrefix("billing:"))
func NewRedisStore(client redis.Cmdable, ttl time.Duration, opts ...RedisOption) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{
		client:   client,
		ttl:      ttl,
		claimTTL: 5 * time.Minute,
		prefix:   "outbox:idem:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(messageID string) string {
	return s.prefix + messageID
}

// IsDuplicate claims messageID and reports false if the claim succeeded.
func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.key(messageID), claimedValue, s.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.MarkProcessedWithTTL(ctx, messageID, s.ttl)
}

func (s *RedisStore) MarkProcessedWithTTL(ctx context.Context, messageID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.client.Set(ctx, s.key(messageID), processedValue, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.key(messageID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
