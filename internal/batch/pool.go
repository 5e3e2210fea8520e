package batch

import (
	"sync"
	"sync/atomic"
)

// PoolStats contains pool hit/miss statistics.
type PoolStats struct {
	Hits   int64
	Misses int64
	Puts   int64
}

// Pool is a free list of macro-batch buffers keyed by geometry signature.
// Macro-batch geometry is fixed per run, so after warmup every Acquire is
// served from a previously released buffer and steady-state training does
// not allocate.
type Pool struct {
	mu    sync.RWMutex
	pools map[string]*sync.Pool

	gets atomic.Int64
	miss atomic.Int64
	puts atomic.Int64
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{pools: make(map[string]*sync.Pool)}
}

// Acquire returns a macro-batch buffer of the requested geometry, recycled
// when one is available, freshly allocated otherwise. Metadata is reset;
// tensor contents are left as-is and must be overwritten by the caller.
func (p *Pool) Acquire(g Geometry) *MacroBatch {
	p.gets.Add(1)

	sig := g.Signature()
	p.mu.RLock()
	sp := p.pools[sig]
	p.mu.RUnlock()

	if sp == nil {
		p.mu.Lock()
		sp = p.pools[sig]
		if sp == nil {
			sp = &sync.Pool{
				New: func() any {
					p.miss.Add(1)
					return newMacroBatch(g)
				},
			}
			p.pools[sig] = sp
		}
		p.mu.Unlock()
	}

	mb := sp.Get().(*MacroBatch)
	mb.resetMeta()
	return mb
}

// Release returns a macro-batch buffer to the pool for reuse.
// nil batches are safely ignored.
func (p *Pool) Release(mb *MacroBatch) {
	if mb == nil {
		return
	}

	sig := mb.geom.Signature()
	p.mu.RLock()
	sp := p.pools[sig]
	p.mu.RUnlock()
	if sp == nil {
		// Not acquired from this pool, discard
		return
	}

	p.puts.Add(1)
	sp.Put(mb)
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	gets := p.gets.Load()
	miss := p.miss.Load()
	return PoolStats{
		Hits:   gets - miss,
		Misses: miss,
		Puts:   p.puts.Load(),
	}
}
