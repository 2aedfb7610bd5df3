// Package idempotency tracks which inbound messages a consumer has already
// processed so that redelivered messages can be skipped.
//
// Brokers deliver at least once. An outbox only guarantees that a failed
// handler leaks no effects; a handler that succeeded and is redelivered
// would still publish twice. The outbox Consumer consults a Store before
// running the handler and marks the message after a successful commit.
//
// # Overview
//
// The package provides:
//   - Store interface for idempotency tracking
//   - MemoryStore for single-instance deployments and tests
//   - RedisStore for deployments with several consumer instances
//
// # Basic Usage
//
//	store := idempotency.NewMemoryStore(time.Hour)
//	defer store.Close()
//
//	dup, err := store.IsDuplicate(ctx, msg.ID())
//	if err != nil {
//	    return err
//	}
//	if dup {
//	    return nil
//	}
//	if err := process(ctx, msg); err != nil {
//	    store.Remove(ctx, msg.ID())
//	    return err
//	}
//	return store.MarkProcessed(ctx, msg.ID())
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long processed message IDs are remembered by default.
const DefaultTTL = 24 * time.Hour

// Store records processed message IDs.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// IsDuplicate reports whether messageID was already processed.
	//
	// Atomic implementations (RedisStore) also claim the ID when they return
	// false, so a concurrent delivery of the same message is reported as a
	// duplicate. Call Remove if processing then fails.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed records messageID with the store's default TTL.
	MarkProcessed(ctx context.Context, messageID string) error

	// MarkProcessedWithTTL records messageID for ttl.
	MarkProcessedWithTTL(ctx context.Context, messageID string, ttl time.Duration) error

	// Remove forgets messageID so it can be processed again.
	// Removing an unknown ID is not an error.
	Remove(ctx context.Context, messageID string) error
}
