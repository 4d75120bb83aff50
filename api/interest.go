// File: api/interest.go
// Author: momentics <momentics@gmail.com>
//
// Backend-independent description of a requested I/O operation.

package api

import (
	"net/netip"
	"time"
)

// Handle is a socket/file descriptor on Unix or a HANDLE/SOCKET on Windows.
type Handle uintptr

// Token correlates a submission with its completion. It is issued by the
// owning worker and is only meaningful to that worker. Zero is never issued.
type Token uint64

// OpKind is the requested operation.
type OpKind uint8

const (
	OpRead OpKind = iota + 1
	OpWrite
	OpAccept
	OpConnect
	OpTimer
	OpClose
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpTimer:
		return "timer"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

// Direction groups operations that may not overlap on one handle.
type Direction uint8

const (
	DirNone     Direction = 0
	DirInbound  Direction = 1 << 0
	DirOutbound Direction = 1 << 1
	DirBoth               = DirInbound | DirOutbound
)

// Direction returns which side of a handle the operation occupies.
func (k OpKind) Direction() Direction {
	switch k {
	case OpRead, OpAccept:
		return DirInbound
	case OpWrite, OpConnect:
		return DirOutbound
	case OpClose:
		return DirBoth
	default:
		return DirNone
	}
}

// NeedsBuffer reports whether the operation transfers bytes through an arena slot.
func (k OpKind) NeedsBuffer() bool {
	return k == OpRead || k == OpWrite
}

// Interest is a requested operation. It is owned by the reactor from
// submission until its completion is delivered.
type Interest struct {
	Op     OpKind
	Handle Handle
	// Buffer is the arena slot for Read/Write. For Write, bytes in
	// Buffer.Data()[Offset:] are sent; the caller must not touch the slot
	// until the completion is observed.
	Buffer Buffer
	Offset int
	// Addr is the Connect target.
	Addr netip.AddrPort
	// Deadline is absolute. For OpTimer it is the fire time; otherwise a
	// zero value means "use the configured default".
	Deadline time.Time
}

// Validate checks the structural requirements of the interest.
func (in *Interest) Validate() error {
	switch in.Op {
	case OpRead, OpWrite:
		if in.Buffer == nil {
			return ErrInvalidArgument
		}
		if in.Op == OpWrite && (in.Offset < 0 || in.Offset > in.Buffer.Len()) {
			return ErrInvalidArgument
		}
	case OpConnect:
		if !in.Addr.IsValid() {
			return ErrInvalidArgument
		}
	case OpTimer:
		if in.Deadline.IsZero() {
			return ErrInvalidArgument
		}
	case OpAccept, OpClose:
	default:
		return ErrInvalidArgument
	}
	return nil
}
