// Package idgenerator provides concurrency-safe monotonically increasing
// IDs. The tarpit server assigns one to every accepted session.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a
// concurrency-safe manner. The starting value is set at construction and
// the first Next() returns startValue+1.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator that will generate IDs starting
// from startValue+1. The generator is safe for concurrent use.
//
// Parameters:
//   - startValue: The value to initialize the counter to; the first Next()
//     will return startValue+1
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Next returns the next unique ID by atomically incrementing the internal
// counter. It is safe for concurrent use by multiple goroutines.
//
// Returns:
//   - The next uint64 ID
func (g *IdGenerator) Next() uint64 {
	return g.id.Add(1)
}
