package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/outbox/transport/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithCodec sets the message codec. Default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup sets the base consumer group name. Worker groups and
// broadcast subscribers derive their group names from it.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithStreamPrefix sets the key prefix of event streams. Default is "outbox".
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.streamPrefix = prefix
		}
	}
}

// WithMaxLen caps each stream at roughly n entries (XADD MAXLEN ~).
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithMaxAge trims entries older than d on every publish (XADD MINID ~).
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithBlockTime sets how long XREADGROUP blocks waiting for new entries.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithSendTimeout bounds how long a read entry waits for room in the
// subscription channel before the send is retried with backoff.
// The entry stays pending in the group meanwhile.
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.sendTimeout = d
	}
}

// WithClaimInterval enables reclaiming entries another consumer left pending
// for at least minIdle. Disabled by default.
//
// Example:
//
//	rt, _ := redis.New(rdb, redis.WithClaimInterval(30*time.Second, time.Minute))
func WithClaimInterval(interval, minIdle time.Duration) Option {
	return func(t *Transport) {
		t.claimInterval = interval
		t.claimMinIdle = minIdle
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

// WithErrorHandler is called with publish failures.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}
