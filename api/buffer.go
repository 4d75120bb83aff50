// Package api
// Author: momentics
//
// Arena buffer contract. Buffers are fixed-size, page-aligned slots that are
// registered with the backend once and then checked out, used and returned.

package api

// Buffer describes one arena slot.
type Buffer interface {
	// Index is the registration id known to the backend (io_uring buf_index).
	Index() uint32

	// Bytes returns the whole slot, len == cap == slot size.
	Bytes() []byte

	// Data returns the valid prefix of the slot.
	Data() []byte

	// Len is the length of Data.
	Len() int

	// SetLen sets the valid prefix length; it panics outside [0, len(Bytes())].
	SetLen(n int)

	// Retain keeps the slot owned by the caller after a completion callback
	// returns. The caller must Release it later.
	Retain()

	// Release returns the slot to its arena. After Release, the buffer must not be used.
	Release()
}
