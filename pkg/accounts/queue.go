package accounts

// Queue is a FIFO backed by a slice. It is not safe for concurrent use;
// callers hold the owning account's lock.
type Queue[T any] struct {
	items []T
	head  int
}

// Push appends v to the back of the queue
func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// Pop removes and returns the front of the queue
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Reclaim the consumed prefix once it dominates the slice
	if q.head > 32 && q.head*2 >= len(q.items) {
		q.items = append([]T(nil), q.items[q.head:]...)
		q.head = 0
	}
	return v, true
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// PopAll empties the queue and returns its items in FIFO order
func (q *Queue[T]) PopAll() []T {
	out := append([]T(nil), q.items[q.head:]...)
	q.items = nil
	q.head = 0
	return out
}
