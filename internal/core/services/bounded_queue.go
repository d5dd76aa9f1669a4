package services

import (
	"context"
	"sync"

	"tilecast/internal/core/domain"
)

// MaxQueueLength bounds both the raw-frame and encoded-unit queues.
const MaxQueueLength = 40

// drainTarget is the depth an overflowing queue is cut back to.
func drainTarget(max int) int {
	return max / 5
}

// BoundedQueue is a FIFO with a soft bound enforced by its producers: a
// producer that finds the queue full drains the oldest entries instead of
// blocking. Consumers block in Pop until an item arrives or ctx is done.
type BoundedQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	max     int
	dropped uint64
	notify  chan struct{}
}

func NewBoundedQueue[T any](max int) *BoundedQueue[T] {
	if max <= 0 {
		max = MaxQueueLength
	}
	return &BoundedQueue[T]{
		items:  make([]T, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// Push appends item. It never blocks and never drops.
func (q *BoundedQueue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// PushDropOldest appends item, first cutting a full queue back to a fifth of
// its capacity by discarding the oldest entries. It returns how many entries
// were dropped.
func (q *BoundedQueue[T]) PushDropOldest(item T) int {
	q.mu.Lock()
	dropped := 0
	if len(q.items) >= q.max {
		dropped = q.drainToLocked(drainTarget(q.max))
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return dropped
}

// PushDropOldestRepair works like PushDropOldest and, when entries were
// dropped, replaces the surviving head with repair(head) before item is
// appended. repair runs under the queue lock.
func (q *BoundedQueue[T]) PushDropOldestRepair(item T, repair func(head T) T) int {
	q.mu.Lock()
	dropped := 0
	if len(q.items) >= q.max {
		dropped = q.drainToLocked(drainTarget(q.max))
		if dropped > 0 && len(q.items) > 0 {
			q.items[0] = repair(q.items[0])
		}
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return dropped
}

// TryPop removes the head without blocking.
func (q *BoundedQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item, true
}

// Pop blocks until an item is available or ctx is done.
func (q *BoundedQueue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.notify:
		}
	}
}

// DrainTo discards the oldest entries until at most keep remain and returns
// how many went.
func (q *BoundedQueue[T]) DrainTo(keep int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainToLocked(keep)
}

// DrainOverflow cuts a full queue back to a fifth of its capacity.
func (q *BoundedQueue[T]) DrainOverflow() int {
	return q.DrainTo(drainTarget(q.max))
}

func (q *BoundedQueue[T]) drainToLocked(keep int) int {
	if keep < 0 {
		keep = 0
	}
	n := len(q.items) - keep
	if n <= 0 {
		return 0
	}
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	rest := make([]T, len(q.items)-n, q.max)
	copy(rest, q.items[n:])
	q.items = rest
	q.dropped += uint64(n)
	return n
}

// Clear empties the queue without counting the entries as dropped.
func (q *BoundedQueue[T]) Clear() {
	q.mu.Lock()
	q.items = make([]T, 0, q.max)
	q.mu.Unlock()
}

func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *BoundedQueue[T]) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.max
}

func (q *BoundedQueue[T]) Max() int { return q.max }

func (q *BoundedQueue[T]) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{Depth: len(q.items), Max: q.max, Dropped: q.dropped}
}

func (q *BoundedQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
