// Package alloc provides core-local pooling. Nothing in this package is safe
// for concurrent use: each reactor owns its pools and only its goroutine
// touches them.
//
// Two disciplines are offered. A Pool[T] is held by the component that
// allocates T and is passed explicitly wherever T is created or freed. A
// BufferPool is picked at the call site, and the Buffer it returns remembers
// where it came from so that releasing it needs no pool argument.
package alloc

// DefaultSlabSize is the number of objects carved per slab.
const DefaultSlabSize = 64

// PoolStats counts pool traffic.
type PoolStats struct {
	Gets  uint64
	Puts  uint64
	Slabs uint64
}

// Live returns the number of objects handed out and not yet returned.
func (s PoolStats) Live() uint64 { return s.Gets - s.Puts }

// Pool is a slab-backed free list of T.
type Pool[T any] struct {
	free     []*T
	slab     []T
	slabSize int
	stats    PoolStats
}

// NewPool creates a pool that carves slabSize objects at a time.
func NewPool[T any](slabSize int) *Pool[T] {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	return &Pool[T]{slabSize: slabSize}
}

// Get returns a zeroed T.
func (p *Pool[T]) Get() *T {
	p.stats.Gets++
	if n := len(p.free); n > 0 {
		t := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return t
	}
	if len(p.slab) == 0 {
		p.slab = make([]T, p.slabSize)
		p.stats.Slabs++
	}
	t := &p.slab[0]
	p.slab = p.slab[1:]
	return t
}

// Put zeroes t and makes it available to Get. The caller must not use t
// afterwards.
func (p *Pool[T]) Put(t *T) {
	if t == nil {
		return
	}
	var zero T
	*t = zero
	p.stats.Puts++
	p.free = append(p.free, t)
}

// Stats returns a copy of the pool counters.
func (p *Pool[T]) Stats() PoolStats { return p.stats }
