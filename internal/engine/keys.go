package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyGenerator issues body keys. Implemented by UUIDv7Generator and
// FixedGenerator.
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-sortable UUIDv7 body keys. It is stateless
// and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined keys in order, for deterministic
// tests and golden traces.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedGenerator creates a generator returning keys in order.
func NewFixedGenerator(keys ...string) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next key. Panics once all keys are used: a test
// activated more bodies than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.keys) {
		panic(fmt.Sprintf("FixedGenerator: all %d keys exhausted", len(g.keys)))
	}
	key := g.keys[g.idx]
	g.idx++
	return key
}

// SequenceGenerator issues prefix-1, prefix-2, ... without limit.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator of numbered keys.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next numbered key.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
