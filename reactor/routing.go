// File: reactor/routing.go
// Author: momentics <momentics@gmail.com>
//
// Handle-to-worker routing. An entry is written once when a handle is first
// seen and read lock-free afterwards; it is removed when the handle closes.

package reactor

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-hbtp/api"
)

// Policy picks the worker for a new handle.
type Policy uint8

const (
	// PolicyHash spreads handles by a mixed hash of the handle value.
	PolicyHash Policy = iota
	// PolicyLeastLoaded picks the worker with the fewest pinned handles.
	PolicyLeastLoaded
)

// ParsePolicy maps the assignment option.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "hash":
		return PolicyHash, nil
	case "least-loaded":
		return PolicyLeastLoaded, nil
	default:
		return PolicyHash, fmt.Errorf("reactor: unknown assignment %q: %w", s, api.ErrInvalidArgument)
	}
}

func (p Policy) String() string {
	if p == PolicyLeastLoaded {
		return "least-loaded"
	}
	return "hash"
}

type routeTable struct {
	m      sync.Map // api.Handle -> int
	policy Policy
	pinned []atomic.Int64
}

func newRouteTable(workers int, policy Policy) *routeTable {
	return &routeTable{policy: policy, pinned: make([]atomic.Int64, workers)}
}

// mix64 is the splitmix64 finalizer; fd values are small and sequential.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// reduce maps x onto [0, n) by multiply-shift.
func reduce(x uint64, n int) int {
	hi, _ := bits.Mul64(x, uint64(n))
	return int(hi)
}

func (t *routeTable) pick(h api.Handle) int {
	n := len(t.pinned)
	if t.policy == PolicyHash || n == 1 {
		return reduce(mix64(uint64(h)), n)
	}
	best, load := 0, t.pinned[0].Load()
	for i := 1; i < n; i++ {
		if l := t.pinned[i].Load(); l < load {
			best, load = i, l
		}
	}
	return best
}

// lookup returns the worker index for h, assigning it on first sight.
func (t *routeTable) lookup(h api.Handle) int {
	if v, ok := t.m.Load(h); ok {
		return v.(int)
	}
	idx := t.pick(h)
	actual, loaded := t.m.LoadOrStore(h, idx)
	if !loaded {
		t.pinned[idx].Add(1)
	}
	return actual.(int)
}

func (t *routeTable) peek(h api.Handle) (int, bool) {
	v, ok := t.m.Load(h)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

func (t *routeTable) release(h api.Handle) {
	if v, ok := t.m.LoadAndDelete(h); ok {
		t.pinned[v.(int)].Add(-1)
	}
}

func (t *routeTable) load(idx int) int64 { return t.pinned[idx].Load() }

func (t *routeTable) size() int {
	n := 0
	t.m.Range(func(_, _ any) bool { n++; return true })
	return n
}
