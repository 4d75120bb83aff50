package concurrency

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueBounded(t *testing.T) {
	q := NewQueue[int](3)
	require.Equal(t, 4, q.Cap())
	for i := 0; i < 4; i++ {
		require.True(t, q.Push(i))
	}
	require.False(t, q.Push(99), "push into full queue")
	assert.Equal(t, 4, q.Len())

	for i := 0; i < 4; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.True(t, q.Push(5), "slot reusable after pop")
}

func TestQueueManyProducers(t *testing.T) {
	const producers, per = 8, 2000
	q := NewQueue[int](64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				for !q.Push(base + i) {
					time.Sleep(time.Microsecond)
				}
			}
		}(p * per)
	}

	got := make([]int, 0, producers*per)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for len(got) < producers*per {
		if v, ok := q.Pop(); ok {
			got = append(got, v)
			continue
		}
		select {
		case <-done:
		default:
		}
	}
	sort.Ints(got)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestTimerQueueOrder(t *testing.T) {
	var q TimerQueue[string]
	base := time.Unix(1000, 0)
	q.Schedule(base.Add(3*time.Second), "c")
	q.Schedule(base.Add(1*time.Second), "a")
	q.Schedule(base.Add(2*time.Second), "b")

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), next)

	var fired []string
	n := q.Expire(base.Add(2*time.Second), func(_ time.Time, k string) { fired = append(fired, k) })
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, q.Len())
}

func TestWorkerCPUs(t *testing.T) {
	cpus := WorkerCPUs()
	require.NotEmpty(t, cpus)
	assert.Equal(t, len(cpus), PhysicalCores())
	seen := map[int]bool{}
	for _, c := range cpus {
		assert.False(t, seen[c])
		seen[c] = true
	}
}
