// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker-local timer queue (min-heap on deadline).

package concurrency

import (
	"container/heap"
	"time"
)

type timerEntry[K any] struct {
	at  time.Time
	key K
}

type timerHeap[K any] []timerEntry[K]

func (h timerHeap[K]) Len() int           { return len(h) }
func (h timerHeap[K]) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap[K]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap[K]) Push(x any)        { *h = append(*h, x.(timerEntry[K])) }
func (h *timerHeap[K]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// TimerQueue orders keys by deadline. It is not safe for concurrent use.
// Entries are never removed early; callers drop stale keys when they expire.
type TimerQueue[K any] struct {
	h timerHeap[K]
}

// Schedule adds key to fire at at.
func (q *TimerQueue[K]) Schedule(at time.Time, key K) {
	heap.Push(&q.h, timerEntry[K]{at: at, key: key})
}

// Next returns the earliest deadline.
func (q *TimerQueue[K]) Next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

// Expire pops every entry due at or before now, in deadline order.
func (q *TimerQueue[K]) Expire(now time.Time, fn func(at time.Time, key K)) int {
	n := 0
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		e := heap.Pop(&q.h).(timerEntry[K])
		fn(e.at, e.key)
		n++
	}
	return n
}

// Len returns the number of scheduled entries, stale ones included.
func (q *TimerQueue[K]) Len() int { return len(q.h) }
