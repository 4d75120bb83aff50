// File: pool/arena.go
// Package pool implements the fixed-size, page-aligned buffer arena.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pbnjay/memory"

	"github.com/momentics/hioload-hbtp/api"
)

// Defaults used when ArenaConfig leaves a field zero.
const (
	DefaultSlots    = 1024
	DefaultSlotSize = 4096
)

var (
	ErrArenaTooLarge = errors.New("pool: arena exceeds half of physical memory")
	ErrForeignBuffer = errors.New("pool: buffer belongs to another arena")
	ErrDoubleReturn  = errors.New("pool: buffer returned twice")
	ErrBufferBusy    = errors.New("pool: buffer is in flight")
	ErrArenaClosed   = errors.New("pool: arena closed")
)

// ArenaConfig sizes an arena. SlotSize is rounded up to the page size.
type ArenaConfig struct {
	Slots    int
	SlotSize int
}

// Arena is a fixed pool of equal, page-aligned slots carved from one region.
// Checkout and Return are safe for concurrent use.
type Arena struct {
	region   []byte
	slotSize int
	bufs     []Buffer
	free     *freeList

	inUse     atomic.Int64
	checkouts atomic.Uint64
	returns   atomic.Uint64
	exhausted atomic.Uint64
	misuse    atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewArena allocates and slices the region.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	if cfg.Slots == 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.SlotSize == 0 {
		cfg.SlotSize = DefaultSlotSize
	}
	if cfg.Slots < 0 || cfg.SlotSize < 0 || cfg.Slots > 1<<20 {
		return nil, fmt.Errorf("pool: slots=%d slot_size=%d: %w", cfg.Slots, cfg.SlotSize, api.ErrInvalidArgument)
	}
	page := os.Getpagesize()
	slot := (cfg.SlotSize + page - 1) / page * page
	total := uint64(slot) * uint64(cfg.Slots)
	if phys := memory.TotalMemory(); phys > 0 && total > phys/2 {
		return nil, fmt.Errorf("pool: %d bytes requested, %d physical: %w", total, phys, ErrArenaTooLarge)
	}

	region, err := allocRegion(int(total))
	if err != nil {
		return nil, err
	}
	a := &Arena{
		region:   region,
		slotSize: slot,
		bufs:     make([]Buffer, cfg.Slots),
		free:     newFreeList(cfg.Slots),
	}
	for i := range a.bufs {
		off := i * slot
		a.bufs[i] = Buffer{
			arena: a,
			index: uint32(i),
			mem:   region[off : off+slot : off+slot],
		}
	}
	return a, nil
}

// Checkout hands out a free slot owned by the caller, or api.ErrPoolExhausted.
func (a *Arena) Checkout() (*Buffer, error) {
	if a.closed.Load() {
		return nil, ErrArenaClosed
	}
	idx, ok := a.free.pop()
	if !ok {
		a.exhausted.Add(1)
		return nil, api.ErrPoolExhausted
	}
	b := &a.bufs[idx]
	b.n = 0
	b.retained.Store(false)
	b.state.Store(stateCaller)
	a.inUse.Add(1)
	a.checkouts.Add(1)
	return b, nil
}

// Return puts a caller-owned slot back on the free list.
func (a *Arena) Return(b *Buffer) error {
	if b == nil || b.arena != a {
		a.misuse.Add(1)
		return ErrForeignBuffer
	}
	if !b.state.CompareAndSwap(stateCaller, stateFree) {
		a.misuse.Add(1)
		if b.state.Load() == stateInFlight {
			return ErrBufferBusy
		}
		return ErrDoubleReturn
	}
	a.inUse.Add(-1)
	a.returns.Add(1)
	a.free.push(b.index)
	return nil
}

// Own reports whether buf is a slot of this arena and returns it typed.
func (a *Arena) Own(buf api.Buffer) (*Buffer, bool) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil || b.arena != a {
		return nil, false
	}
	return b, true
}

// Utilization returns slots currently checked out and the arena capacity.
// A steady in-use count with no traffic points at a leaked buffer.
func (a *Arena) Utilization() (inUse, total int) {
	return int(a.inUse.Load()), len(a.bufs)
}

// SlotSize is the page-rounded slot length.
func (a *Arena) SlotSize() int { return a.slotSize }

// Slots is the arena capacity.
func (a *Arena) Slots() int { return len(a.bufs) }

// Regions returns one slice per slot, index i being slot i, for backend registration.
func (a *Arena) Regions() [][]byte {
	out := make([][]byte, len(a.bufs))
	for i := range a.bufs {
		out[i] = a.bufs[i].mem
	}
	return out
}

// Stats snapshots the counters.
func (a *Arena) Stats() Stats {
	inUse, total := a.Utilization()
	return Stats{
		Slots:     total,
		SlotSize:  a.slotSize,
		InUse:     inUse,
		Checkouts: a.checkouts.Load(),
		Returns:   a.returns.Load(),
		Exhausted: a.exhausted.Load(),
		Misuse:    a.misuse.Load(),
	}
}

// Close releases the region. Only call it after the backend that registered
// the slots has been closed; outstanding slots become invalid.
func (a *Arena) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		err = freeRegion(a.region)
		a.region = nil
	})
	return err
}
