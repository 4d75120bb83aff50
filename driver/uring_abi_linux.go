//go:build linux

// File: driver/uring_abi_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// io_uring kernel ABI: opcodes, flags and structure layouts.

package driver

import (
	"fmt"
	"unsafe"
)

const (
	ioringOpNop           = 0
	ioringOpReadFixed     = 4
	ioringOpWriteFixed    = 5
	ioringOpTimeout       = 11
	ioringOpTimeoutRemove = 12
	ioringOpAccept        = 13
	ioringOpAsyncCancel   = 14
	ioringOpConnect       = 16
	ioringOpClose         = 19
	ioringOpRead          = 22
	ioringOpWrite         = 23

	ioringSetupClamp       = 1 << 4
	ioringSetupCoopTaskrun = 1 << 8 // 5.19+

	ioringEnterGetevents = 1 << 0

	ioringRegisterBuffers   = 0
	ioringUnregisterBuffers = 1

	ioringOffSqRing = 0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioUringSqeSize = 64
	ioUringCqeSize = 16
)

type ioSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioSqringOffsets
	CqOff        ioCqringOffsets
}

// ioUringSqe mirrors struct io_uring_sqe. OpFlags is the rw_flags /
// accept_flags / timeout_flags union; Off doubles as addr2.
type ioUringSqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Pad         uint64
}

type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// kernelTimespec is struct __kernel_timespec (64-bit fields on every arch).
type kernelTimespec struct {
	Sec  int64
	Nsec int64
}

func init() {
	if sz := unsafe.Sizeof(ioUringSqe{}); sz != ioUringSqeSize {
		panic(fmt.Sprintf("io_uring SQE size mismatch: expected %d, got %d", ioUringSqeSize, sz))
	}
	if sz := unsafe.Sizeof(ioUringCqe{}); sz != ioUringCqeSize {
		panic(fmt.Sprintf("io_uring CQE size mismatch: expected %d, got %d", ioUringCqeSize, sz))
	}
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	if mod := v % alignment; mod != 0 {
		return v + alignment - mod
	}
	return v
}
