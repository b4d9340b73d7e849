package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is an in-memory implementation of Store backed by
// go-cache. Entries expire after their TTL and are swept on the
// configured cleanup interval.
type MemoryStore struct {
	cache *cache.Cache
	mu    sync.Mutex
}

// NewMemoryStore creates a MemoryStore whose expired entries are swept
// every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

// Increment implements Store. The read-modify-write is guarded by a
// mutex; hits are cheap and infrequent relative to the emission loops.
func (s *MemoryStore) Increment(ctx context.Context, peer string, ttl time.Duration) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(1)
	if v, found := s.cache.Get(peer); found {
		if prev, ok := v.(int64); ok {
			n = prev + 1
		}
	}

	s.cache.Set(peer, n, ttl)
	return n, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, peer string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	v, found := s.cache.Get(peer)
	if !found {
		return 0, nil
	}

	n, ok := v.(int64)
	if !ok {
		return 0, nil
	}

	return n, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	return s.cache.ItemCount(), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.cache.Flush()
	return nil
}
