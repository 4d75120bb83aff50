// File: internal/concurrency/queue.go
// Package concurrency implements the worker inbox.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue is a bounded lock-free multi-producer/single-consumer ring with a
// per-cell sequence number (Vyukov). Producers race on the tail with CAS; the
// single consumer owns the head. Padded to prevent false sharing.

package concurrency

import "sync/atomic"

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// Queue is safe for any number of concurrent Push callers and exactly one
// goroutine calling Pop.
type Queue[T any] struct {
	_     [64]byte
	tail  atomic.Uint64
	_     [56]byte
	head  atomic.Uint64
	_     [56]byte
	mask  uint64
	cells []cell[T]
}

// NewQueue allocates a queue with capacity rounded up to a power of two.
func NewQueue[T any](capacity int) *Queue[T] {
	size := 2
	for size < capacity {
		size <<= 1
	}
	q := &Queue[T]{mask: uint64(size - 1), cells: make([]cell[T], size)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Push enqueues v; returns false if the queue is full. Never blocks.
func (q *Queue[T]) Push(v T) bool {
	pos := q.tail.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.tail.Load()
		case dif < 0:
			return false
		default:
			pos = q.tail.Load()
		}
	}
}

// Pop dequeues the oldest published item. Consumer side only.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	pos := q.head.Load()
	c := &q.cells[pos&q.mask]
	if c.seq.Load() != pos+1 {
		return zero, false
	}
	v := c.val
	c.val = zero
	c.seq.Store(pos + q.mask + 1)
	q.head.Store(pos + 1)
	return v, true
}

// Len is approximate while producers are active.
func (q *Queue[T]) Len() int {
	n := int64(q.tail.Load()) - int64(q.head.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.cells) }
