package kafka

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/outbox/transport/codec"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithCodec sets the message codec. Default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup sets the base consumer group id.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithTopicPrefix sets the prefix of event topics. Default is "outbox.".
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.topicPrefix = prefix
	}
}

// WithPartitions sets the partition count of topics created by RegisterEvent.
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplication sets the replication factor of created topics.
func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets retention.ms on created topics.
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithSendTimeout bounds how long a record waits for room in the
// subscription channel before the send is retried with backoff.
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.sendTimeout = d
	}
}

// WithDeadLetterTopic moves negatively acknowledged records to topic and
// marks them consumed. Without it they are left unmarked and redelivered
// after the next rebalance.
func WithDeadLetterTopic(topic string) Option {
	return func(t *Transport) {
		t.deadLetterTopic = topic
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
