// Package idgenerator hands out process-unique session identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator generates strictly increasing uint64 IDs in a concurrency-safe
// manner. IDs are never reused for the lifetime of the generator; the first
// call to Id returns startValue+1.
type IdGenerator struct {
	start uint64
	last  atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1.
//
// Parameters:
//   - startValue: The value the counter starts from
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{
		start: startValue,
	}
	gen.last.Store(startValue)
	return gen
}

// Id returns the next ID by atomically incrementing the internal counter.
// It is safe for concurrent use by multiple goroutines.
//
// Returns:
//   - The next uint64 ID
func (g *IdGenerator) Id() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued ID, or the start value if none has
// been issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.last.Load()
}

// Issued reports how many IDs have been handed out so far.
func (g *IdGenerator) Issued() uint64 {
	return g.last.Load() - g.start
}
