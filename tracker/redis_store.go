package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore is a Redis-backed implementation of Store. Several tarpit
// instances pointed at the same Redis share one view of revisiting
// scanners. Keys are namespaced under a prefix so unrelated data in the
// same database is never touched.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store on the given Redis client. All keys are
// written under prefix (e.g. "tarpit:peer:").
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := tracker.NewRedisStore(client, "tarpit:peer:")
func NewRedisStore(client *redis.Client, prefix string) Store {
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *redisStore) key(peer string) string {
	return s.prefix + peer
}

// Increment implements Store. INCR and EXPIRE run in one transactional
// pipeline so the count and its TTL stay consistent across instances.
func (s *redisStore) Increment(ctx context.Context, peer string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.key(peer))
	pipe.Expire(ctx, s.key(peer), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis increment for %s: %w", peer, err)
	}

	return incr.Val(), nil
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, peer string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(peer)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("redis get for %s: %w", peer, err)
	}

	return n, nil
}

// Count implements Store. It scans the key namespace; the peer
// population of a tarpit is small enough that a full scan is cheap.
func (s *redisStore) Count(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}

	return count, nil
}

// Reset implements Store.
func (s *redisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete %s: %w", iter.Val(), err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}

	return nil
}
