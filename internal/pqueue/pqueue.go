// Package pqueue implements a generic priority queue on container/heap.
//
// Ordering is supplied by the caller; items that compare equal are returned
// in insertion order.
package pqueue

import "container/heap"

// Less reports whether a should be dequeued before b.
type Less[T any] func(a, b T) bool

type entry[T any] struct {
	value T
	seq   uint64
}

type entries[T any] struct {
	items []entry[T]
	less  Less[T]
}

func (e *entries[T]) Len() int { return len(e.items) }

func (e *entries[T]) Less(i, j int) bool {
	a, b := e.items[i], e.items[j]
	if e.less(a.value, b.value) {
		return true
	}
	if e.less(b.value, a.value) {
		return false
	}
	return a.seq < b.seq
}

func (e *entries[T]) Swap(i, j int) { e.items[i], e.items[j] = e.items[j], e.items[i] }

func (e *entries[T]) Push(x any) { e.items = append(e.items, x.(entry[T])) }

func (e *entries[T]) Pop() any {
	n := len(e.items)
	it := e.items[n-1]
	var zero entry[T]
	e.items[n-1] = zero
	e.items = e.items[:n-1]
	return it
}

// Queue is a priority queue. It is not safe for concurrent use.
type Queue[T any] struct {
	h   *entries[T]
	seq uint64
}

// New creates an empty queue ordered by less.
func New[T any](less Less[T]) *Queue[T] {
	return &Queue[T]{h: &entries[T]{less: less}}
}

// Push adds an item.
func (q *Queue[T]) Push(v T) {
	q.seq++
	heap.Push(q.h, entry[T]{value: v, seq: q.seq})
}

// Pop removes and returns the first item.
func (q *Queue[T]) Pop() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(q.h).(entry[T]).value, true
}

// Peek returns the first item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.h.items[0].value, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.h.Len() }

// RemoveFunc removes every item for which drop returns true and returns the
// number removed.
func (q *Queue[T]) RemoveFunc(drop func(T) bool) int {
	kept := q.h.items[:0]
	removed := 0
	for _, it := range q.h.items {
		if drop(it.value) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.h.items); i++ {
		q.h.items[i] = entry[T]{}
	}
	q.h.items = kept
	if removed > 0 {
		heap.Init(q.h)
	}
	return removed
}

// Drain removes and returns all items in priority order.
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, q.h.Len())
	for q.h.Len() > 0 {
		out = append(out, heap.Pop(q.h).(entry[T]).value)
	}
	return out
}
