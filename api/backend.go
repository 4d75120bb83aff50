// File: api/backend.go
// Author: momentics <momentics@gmail.com>
//
// Backend Driver contract implemented once per platform completion API
// (io_uring, epoll, kqueue, IOCP) and dispatched through this interface only.

package api

import "time"

// BackendKind is the closed set of backend variants.
type BackendKind uint8

const (
	BackendAuto BackendKind = iota
	BackendIoUring
	BackendEpoll
	BackendKqueue
	BackendIOCP
)

func (k BackendKind) String() string {
	switch k {
	case BackendIoUring:
		return "io_uring"
	case BackendEpoll:
		return "epoll"
	case BackendKqueue:
		return "kqueue"
	case BackendIOCP:
		return "iocp"
	default:
		return "auto"
	}
}

// Driver wraps one native completion API instance. Exactly one driver is
// owned by each worker; apart from Wake, no method may be called from a
// goroutine other than the owning worker's.
type Driver interface {
	// Kind reports the backend variant.
	Kind() BackendKind

	// ZeroCopy reports whether reads and writes move data between the kernel
	// and registered buffers without an intermediate user-space copy.
	ZeroCopy() bool

	// RegisterBuffers registers arena regions; region i has buffer index i.
	RegisterBuffers(regions [][]byte) error

	// Register associates a handle with the driver.
	Register(h Handle) error

	// Deregister removes a handle. Pending operations on it must be
	// cancelled or completed first.
	Deregister(h Handle) error

	// Submit queues in under tok. Returns ErrQueueFull when the backend
	// cannot take more work until the next Poll.
	Submit(tok Token, in *Interest) error

	// Flush pushes queued submissions to the kernel and returns how many
	// were pushed.
	Flush() (int, error)

	// Poll writes up to len(out) ready completions into out. It blocks for
	// at most timeout when none are ready (negative blocks indefinitely, zero
	// never blocks) and returns as soon as the OS signals readiness. Calling
	// it again continues the sequence.
	Poll(timeout time.Duration, out []Completion) (int, error)

	// Cancel asks the backend to abandon tok. Best effort: the operation may
	// still complete normally, or complete with ErrCancelled.
	Cancel(tok Token) error

	// Wake interrupts a blocking Poll. Safe for concurrent use.
	Wake() error

	// Close releases OS resources. In-flight operations are abandoned.
	Close() error
}
