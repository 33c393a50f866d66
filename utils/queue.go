package utils

import "sync"

// Queue is an unbounded FIFO safe for concurrent use. The lock is held only while the
// underlying slice is mutated.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	seq   int
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v to the back of the queue. It never blocks on consumers.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// PushSeq builds an item from the next sequence number and appends it, both under the queue
// lock, so sequence order and queue order always agree. It returns the sequence number used.
// Sequence numbers start at zero.
func (q *Queue[T]) PushSeq(build func(seq int) T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.seq
	q.seq++
	q.items = append(q.items, build(seq))
	return seq
}

// TryPop removes and returns the oldest item. ok is false when the queue is empty.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// let the backing array go once drained
		q.items = nil
	}
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
