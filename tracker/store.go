// Package tracker accounts for the scanners a tarpit has trapped:
// connection counts, distinct peers, per-peer revisit counts held in a
// TTL store, and a histogram of how long each connection was held. It
// plugs into the tarpit server as its Observer.
package tracker

import (
	"context"
	"time"
)

// Store keeps per-peer hit counts with a time-to-live. Implementations
// must be safe for concurrent use. The memory store suits a single
// tarpit instance; the Redis store lets a fleet of instances share one
// view of which scanners keep coming back.
type Store interface {
	// Increment adds one hit for peer and refreshes its TTL, returning
	// the new count.
	Increment(ctx context.Context, peer string, ttl time.Duration) (int64, error)

	// Get returns the current hit count for peer, or 0 if the peer is
	// unknown or its entry has expired.
	Get(ctx context.Context, peer string) (int64, error)

	// Count returns the number of peers currently tracked.
	Count(ctx context.Context) (int, error)

	// Reset removes all tracked peers.
	Reset(ctx context.Context) error
}
