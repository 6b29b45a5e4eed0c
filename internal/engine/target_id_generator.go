package engine

import (
	"sync/atomic"

	"github.com/roach88/docsync/internal/model"
)

// TargetIDGenerator hands out target ids for limbo resolutions.
//
// The local store allocates even ids for query targets, so limbo ids are
// odd: 1, 3, 5 and so on. The two ranges never collide, and limbo targets
// are never persisted, so the sequence restarts with every client.
//
// Thread-safety: safe for concurrent use, although only the sync queue
// calls Next.
type TargetIDGenerator struct {
	last atomic.Int32
}

// NewTargetIDGenerator creates a generator whose first id is 1.
func NewTargetIDGenerator() *TargetIDGenerator {
	g := &TargetIDGenerator{}
	g.last.Store(-1)
	return g
}

// Next returns the next odd id.
func (g *TargetIDGenerator) Next() model.TargetID {
	return model.TargetID(g.last.Add(2))
}

// Current returns the last id handed out, or -1 before the first.
func (g *TargetIDGenerator) Current() model.TargetID {
	return model.TargetID(g.last.Load())
}
