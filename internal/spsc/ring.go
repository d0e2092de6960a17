// Package spsc provides a lock-free single-producer single-consumer ring
// used to hand values from the sampling context to the background context
// without blocking the producer.
package spsc

import "sync/atomic"

const cacheLine = 64

// Ring is a bounded SPSC queue. Exactly one goroutine may call Push and
// exactly one goroutine may call Pop.
type Ring[T any] struct {
	buf  []T
	mask uint64

	_pad0 [cacheLine]byte
	head  atomic.Uint64 // producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // consumer
	_pad2 [cacheLine]byte

	dropped atomic.Uint64
}

// New returns a Ring whose capacity is capacity rounded up to a power of
// two, minimum 2.
func New[T any](capacity int) *Ring[T] {
	size := nextPow2(capacity)
	if size < 2 {
		size = 2
	}

	return &Ring[T]{
		buf:  make([]T, size),
		mask: uint64(size - 1),
	}
}

// Push stores v. When the ring is full v is dropped, the drop counter is
// incremented and Push returns false.
func (r *Ring[T]) Push(v T) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}

	r.buf[head&r.mask] = v
	r.head.Store(head + 1)

	return true
}

// Pop removes the oldest value.
func (r *Ring[T]) Pop() (T, bool) {
	tail := r.tail.Load()
	if tail >= r.head.Load() {
		var zero T
		return zero, false
	}

	v := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)

	return v, true
}

// Len returns the number of queued values.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many pushes were rejected because the ring was full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

func nextPow2(v int) int {
	n := 1
	for n < v {
		n <<= 1
	}

	return n
}
