package statestore

import (
	"context"
	"sync"
	"time"
)

// memoryEvictionInterval is how often the background eviction loop runs.
const memoryEvictionInterval = 1 * time.Minute

// MemoryStore provides an in-memory implementation of the Store interface.
// It is thread-safe and suitable for development, testing, and single-instance
// deployments. For multi-instance services, use RedisStore or SQLiteStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryEntry

	ttl      time.Duration // 0 disables eviction
	stopCh   chan struct{} // closed to stop the eviction goroutine
	stopOnce sync.Once
}

type memoryEntry struct {
	rec     Record
	savedAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithEvictionTTL enables background eviction of records older than ttl.
// A suspended context that is never resumed would otherwise be retained
// forever. Set to 0 (the default) to disable eviction.
func WithEvictionTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// NewMemoryStore creates a new in-memory context store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl > 0 {
		go s.evictionLoop()
	}
	return s
}

// Put persists a record under the given key, replacing any previous record.
// The record is copied so later mutations by the caller do not leak in.
func (s *MemoryStore) Put(ctx context.Context, key string, rec Record) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryEntry{rec: copyRecord(rec), savedAt: time.Now()}
	return nil
}

// Get retrieves a record by key. Returns a copy to prevent external mutations.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.records[key]
	if !exists {
		return nil, ErrNotFound
	}
	rec := copyRecord(entry.rec)
	return &rec, nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the background eviction goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// evictionLoop periodically sweeps expired records. It runs until stopCh is
// closed (via Close).
func (s *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(memoryEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictOnce(time.Now())
		}
	}
}

// evictOnce removes records saved before now minus the TTL. It is safe to
// call concurrently.
func (s *MemoryStore) evictOnce(now time.Time) {
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.records {
		if entry.savedAt.Before(cutoff) {
			delete(s.records, key)
		}
	}
}

func copyRecord(rec Record) Record {
	out := rec
	if rec.State != nil {
		out.State = make([]byte, len(rec.State))
		copy(out.State, rec.State)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
