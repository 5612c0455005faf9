package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates journal ids "<prefix>-0001", "<prefix>-0002", ...
//
// This enables golden comparison of documents that embed a journal id.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "journal".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "journal"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
