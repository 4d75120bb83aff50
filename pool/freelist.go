// File: pool/freelist.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free free list of slot indices (tagged Treiber stack).

package pool

import "sync/atomic"

// freeList stores slot indices as a stack linked through next[].
// head packs a 32-bit ABA tag in the high word and index+1 in the low word;
// zero in the low word means empty.
type freeList struct {
	head atomic.Uint64
	_    [56]byte // keep head on its own cache line
	next []atomic.Uint32
}

func newFreeList(n int) *freeList {
	fl := &freeList{next: make([]atomic.Uint32, n)}
	// Push in reverse so slot 0 is handed out first.
	for i := n - 1; i >= 0; i-- {
		fl.push(uint32(i))
	}
	return fl
}

func (fl *freeList) push(idx uint32) {
	for {
		old := fl.head.Load()
		fl.next[idx].Store(uint32(old))
		tag := (old >> 32) + 1
		if fl.head.CompareAndSwap(old, tag<<32|uint64(idx+1)) {
			return
		}
	}
}

func (fl *freeList) pop() (uint32, bool) {
	for {
		old := fl.head.Load()
		top := uint32(old)
		if top == 0 {
			return 0, false
		}
		nxt := fl.next[top-1].Load()
		tag := (old >> 32) + 1
		if fl.head.CompareAndSwap(old, tag<<32|uint64(nxt)) {
			return top - 1, true
		}
	}
}
