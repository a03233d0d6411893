package checkpoint

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of threads a MemoryStore keeps.
const DefaultCapacity = 1024

// MemoryStore keeps the most recently used threads in process memory.
// Threads pushed out of the cache are reported to the eviction callback.
type MemoryStore struct {
	cache   *lru.Cache[string, []byte]
	onEvict EvictFunc

	// deleting suppresses the eviction callback for explicit deletes.
	mu       sync.Mutex
	deleting string
}

// NewMemoryStore creates a store holding at most capacity threads.
func NewMemoryStore(capacity int, onEvict EvictFunc) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &MemoryStore{onEvict: onEvict}
	cache, err := lru.NewWithEvict[string, []byte](capacity, s.evicted)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *MemoryStore) evicted(threadID string, data []byte) {
	if s.onEvict == nil || threadID == s.deleting {
		return
	}
	s.onEvict(threadID, data)
}

func (s *MemoryStore) Load(_ context.Context, threadID string) ([]byte, error) {
	data, ok := s.cache.Get(threadID)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, threadID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(threadID, append([]byte(nil), data...))
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleting = threadID
	s.cache.Remove(threadID)
	s.deleting = ""
	return nil
}

// Len reports how many threads are held.
func (s *MemoryStore) Len() int { return s.cache.Len() }

// Close drops every thread, reporting each to the eviction callback.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	return nil
}
