package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultCometPrefix is the prefix of generated comet ids.
const DefaultCometPrefix = "main-1"

// IDGenerator produces comet channel identifiers.
// Implemented by UUIDGenerator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates "<prefix>.<uuid>" comet ids.
//
// The random part only has to make the id unique among the channels of one
// login session; a UUIDv4 is plenty.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct {
	Prefix string
}

// Generate returns a new id. An empty Prefix uses DefaultCometPrefix.
func (g UUIDGenerator) Generate() string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = DefaultCometPrefix
	}
	return fmt.Sprintf("%s.%s", prefix, uuid.NewString())
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed; a session must never ask for a
// second comet id, so running out in a test is a bug worth failing loudly on.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Used returns how many ids have been handed out.
func (g *FixedGenerator) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idx
}
