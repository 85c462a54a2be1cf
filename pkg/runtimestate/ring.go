package runtimestate

import "sync"

// RingQueue is a bounded FIFO that overwrites the oldest element on
// overflow (spec.md §4.8 "Enqueue semantics for bounded queues"). The queue
// keeps its own drop count (Dropped), and Enqueue also reports each drop
// through the bool it returns.
type RingQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	dropped int
}

// NewRingQueue returns a RingQueue capped at limit elements.
func NewRingQueue[T any](limit int) *RingQueue[T] {
	if limit <= 0 {
		limit = 1
	}
	return &RingQueue[T]{limit: limit}
}

// Enqueue appends v, dropping the oldest element if the queue is full.
// Returns true if an element was dropped to make room.
func (q *RingQueue[T]) Enqueue(v T) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, v)
	return dropped
}

// Dequeue pops the oldest element. ok is false if the queue is empty.
func (q *RingQueue[T]) Dequeue() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Len returns the current element count.
func (q *RingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the running drop count.
func (q *RingQueue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Cap returns the configured element limit, letting a caller check for
// fullness before deciding whether Enqueue would evict an element.
func (q *RingQueue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Snapshot returns a copy of the current contents, oldest first.
func (q *RingQueue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
