package optimize

import (
	"sync"
)

// SlicePool is a pool for reusing slices to reduce allocations
type SlicePool[T any] struct {
	pool sync.Pool
	size int
}

// NewSlicePool creates a new slice pool
func NewSlicePool[T any](size int) *SlicePool[T] {
	return &SlicePool[T]{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				s := make([]T, 0, size)
				return &s
			},
		},
	}
}

// Get gets an empty slice from the pool
func (p *SlicePool[T]) Get() []T {
	return (*p.pool.Get().(*[]T))[:0]
}

// Put returns a slice to the pool (clears it first)
func (p *SlicePool[T]) Put(s []T) {
	// Only put back if capacity is reasonable
	if cap(s) > p.size*2 {
		return
	}
	clear(s[:cap(s)])
	s = s[:0]
	p.pool.Put(&s)
}
