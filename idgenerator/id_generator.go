// Package idgenerator hands out monotonically increasing identifiers. Sessions
// draw their IDs from it, so an ID is never reused while the process lives.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a concurrency-safe
// manner. The first Id() returns startValue+1.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator that will generate IDs starting from
// startValue+1. The generator is safe for concurrent use.
//
// Parameters:
//   - startValue: The value to initialize the counter to; the first Id() will
//     return startValue+1
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next unique ID by atomically incrementing the internal counter.
//
// Returns:
//   - The next uint64 ID
func (l *IdGenerator) Id() uint64 {
	return l.id.Add(1)
}
