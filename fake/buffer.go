// Package fake
// Author: momentics <momentics@gmail.com>
//
// Heap-backed buffer for driver tests that run without an arena.

package fake

import (
	"sync"
)

// Buffer is a fake implementation of api.Buffer.
type Buffer struct {
	mu       sync.Mutex
	index    uint32
	slot     []byte
	n        int
	retained bool
	released bool
}

// NewBuffer creates a slot of size bytes with registration id index.
func NewBuffer(index uint32, size int) *Buffer {
	return &Buffer{index: index, slot: make([]byte, size)}
}

func (b *Buffer) Index() uint32 { return b.index }
func (b *Buffer) Bytes() []byte { return b.slot }

func (b *Buffer) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot[:b.n]
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.slot) {
		panic("fake: SetLen out of range")
	}
	b.mu.Lock()
	b.n = n
	b.mu.Unlock()
}

// Write replaces the contents with p.
func (b *Buffer) Write(p []byte) {
	b.SetLen(copy(b.slot, p))
}

func (b *Buffer) Retain() {
	b.mu.Lock()
	b.retained = true
	b.mu.Unlock()
}

func (b *Buffer) Release() {
	b.mu.Lock()
	b.released = true
	b.mu.Unlock()
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
