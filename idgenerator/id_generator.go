// Package idgenerator hands out connection and upload identifiers.
package idgenerator

import (
	"strconv"
	"sync/atomic"
)

// IdGenerator generates monotonically increasing uint64 IDs and is safe for
// concurrent use. Zero is never returned by a fresh generator, so callers
// may use it to mean "no id".
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first Next() returns startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Next returns the next unique ID.
func (g *IdGenerator) Next() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued ID, or the start value if none was issued.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}

// Tag returns the next ID rendered as "<prefix>-<id>", e.g. "conn-12".
//
// Parameters:
//   - prefix: Label placed before the number
//
// Returns:
//   - The formatted identifier
func (g *IdGenerator) Tag(prefix string) string {
	return prefix + "-" + strconv.FormatUint(g.Next(), 10)
}
