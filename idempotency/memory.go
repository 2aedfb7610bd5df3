package idempotency

import (
	"context"
	"sync"
	"time"
)

// memorySweepInterval is how often expired entries are dropped.
const memorySweepInterval = time.Minute

// MemoryStore keeps processed message IDs in a map with per-entry expiry.
//
// Entries live only as long as the process, so a restart forgets every ID.
// Use RedisStore when several consumer instances share a subscription.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // message ID -> expiry
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates a store remembering IDs for ttl and starts a
// background sweep. A non-positive ttl selects DefaultTTL. Call Close to stop
// the sweep.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// IsDuplicate reports whether messageID is recorded and not yet expired.
// Unlike RedisStore it does not claim the ID.
func (s *MemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[messageID]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiry) {
		delete(s.entries, messageID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.MarkProcessedWithTTL(ctx, messageID, s.ttl)
}

func (s *MemoryStore) MarkProcessedWithTTL(ctx context.Context, messageID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	s.entries[messageID] = s.now().Add(ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, messageID string) error {
	s.mu.Lock()
	delete(s.entries, messageID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of tracked IDs, including expired ones the sweep
// has not dropped yet.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep. It is safe to call more than once.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

var _ Store = (*MemoryStore)(nil)
