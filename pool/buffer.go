// File: pool/buffer.go
// Author: momentics <momentics@gmail.com>
//
// Arena slot handle. A slot moves free -> caller -> in-flight -> caller -> free;
// only the caller-owned state may be returned.

package pool

import (
	"sync/atomic"

	"github.com/momentics/hioload-hbtp/api"
)

const (
	stateFree uint32 = iota
	stateCaller
	stateInFlight
)

// Buffer is one arena slot. It implements api.Buffer.
type Buffer struct {
	arena    *Arena
	index    uint32
	mem      []byte
	n        int
	state    atomic.Uint32
	retained atomic.Bool
}

var _ api.Buffer = (*Buffer)(nil)

func (b *Buffer) Index() uint32  { return b.index }
func (b *Buffer) Bytes() []byte  { return b.mem }
func (b *Buffer) Data() []byte   { return b.mem[:b.n] }
func (b *Buffer) Len() int       { return b.n }
func (b *Buffer) Arena() *Arena  { return b.arena }
func (b *Buffer) InFlight() bool { return b.state.Load() == stateInFlight }

// SetLen sets the valid prefix.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.mem) {
		panic("pool: SetLen out of range")
	}
	b.n = n
}

// Write copies p into the slot starting at the current length and returns the
// number of bytes that fit.
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.mem[b.n:], p)
	b.n += n
	if n < len(p) {
		return n, api.ErrInvalidArgument
	}
	return n, nil
}

// Retain keeps the slot with the caller after the completion callback.
func (b *Buffer) Retain() { b.retained.Store(true) }

// Release returns the slot to its arena. Misuse is counted in Stats.
func (b *Buffer) Release() {
	b.retained.Store(false)
	_ = b.arena.Return(b)
}

// BeginIO moves a caller-owned slot to in-flight. It fails with ErrBufferBusy
// if the slot is already lent to the backend and ErrDoubleReturn if free.
func (b *Buffer) BeginIO() error {
	if b.state.CompareAndSwap(stateCaller, stateInFlight) {
		return nil
	}
	if b.state.Load() == stateInFlight {
		return ErrBufferBusy
	}
	return ErrDoubleReturn
}

// EndIO hands an in-flight slot back to the caller.
func (b *Buffer) EndIO() {
	b.state.CompareAndSwap(stateInFlight, stateCaller)
}

// Settle is called once a completion callback has returned: a retained slot
// stays with the caller, anything else still caller-owned goes back to the arena.
func (b *Buffer) Settle() {
	if b.retained.Swap(false) {
		return
	}
	if b.state.Load() == stateCaller {
		_ = b.arena.Return(b)
	}
}
