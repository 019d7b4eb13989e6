package wire

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces unique message and correlation ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so
// mailbox rows and traces sort by creation time.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for deterministic tests.
//
// Safe for concurrent use.
type FixedGenerator struct {
	mu     sync.Mutex
	ids    []string
	idx    int
	prefix string
}

// NewFixedGenerator returns a generator that yields ids in order and panics
// once they are exhausted.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// NewSequenceGenerator returns a generator that never runs out, yielding
// prefix-1, prefix-2, ...
func NewSequenceGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.prefix != "" {
		g.idx++
		return fmt.Sprintf("%s-%d", g.prefix, g.idx)
	}
	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
