package poison

import (
	"context"
	"sync"
	"time"
)

// Store persists failure counts and quarantine markers.
type Store interface {
	// IncrementFailure adds one failure and returns the new count.
	IncrementFailure(ctx context.Context, messageID string) (int, error)
	GetFailureCount(ctx context.Context, messageID string) (int, error)
	ClearFailures(ctx context.Context, messageID string) error

	// MarkPoison quarantines messageID for ttl.
	MarkPoison(ctx context.Context, messageID string, ttl time.Duration) error
	IsPoison(ctx context.Context, messageID string) (bool, error)
	ClearPoison(ctx context.Context, messageID string) error
}

// MemoryStore keeps counts and quarantines in maps. Counts never expire.
type MemoryStore struct {
	mu          sync.Mutex
	failures    map[string]int
	quarantined map[string]time.Time // message ID -> expiry
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		failures:    make(map[string]int),
		quarantined: make(map[string]time.Time),
		now:         time.Now,
	}
}

func (s *MemoryStore) IncrementFailure(ctx context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[messageID]++
	return s.failures[messageID], nil
}

func (s *MemoryStore) GetFailureCount(ctx context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[messageID], nil
}

func (s *MemoryStore) ClearFailures(ctx context.Context, messageID string) error {
	s.mu.Lock()
	delete(s.failures, messageID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) MarkPoison(ctx context.Context, messageID string, ttl time.Duration) error {
	s.mu.Lock()
	s.quarantined[messageID] = s.now().Add(ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsPoison(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.quarantined[messageID]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiry) {
		delete(s.quarantined, messageID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) ClearPoison(ctx context.Context, messageID string) error {
	s.mu.Lock()
	delete(s.quarantined, messageID)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
