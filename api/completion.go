// File: api/completion.go
// Author: momentics <momentics@gmail.com>
//
// Result record for a previously submitted Interest.

package api

import (
	"errors"
	"syscall"
)

// ResultKind tells how an operation ended.
type ResultKind uint8

const (
	// ResultBytes means the operation succeeded; N holds the byte count
	// (zero for Accept/Connect/Close/Timer).
	ResultBytes ResultKind = iota
	// ResultError means Err is set.
	ResultError
	// ResultTimedOut means the interest's deadline elapsed first.
	ResultTimedOut
	// ResultWouldBlock is a driver-to-worker signal that the operation was
	// not ready. Workers retry it and never deliver it to callers.
	ResultWouldBlock
)

func (r ResultKind) String() string {
	switch r {
	case ResultBytes:
		return "bytes"
	case ResultError:
		return "error"
	case ResultTimedOut:
		return "timed_out"
	case ResultWouldBlock:
		return "would_block"
	default:
		return "unknown"
	}
}

// Completion is produced by a driver (or synthesized by a worker) and is
// consumed exactly once by the owning worker.
type Completion struct {
	Token  Token
	Handle Handle
	Op     OpKind
	Result ResultKind
	N      int
	Err    error
	// Flags carries backend-specific completion flags (io_uring CQE flags).
	Flags uint32
	// Buffer is the arena slot attached to the interest, if any.
	Buffer Buffer
	// Accepted is the new connection handle for a successful OpAccept.
	Accepted Handle
}

// IsSuccess reports a ResultBytes completion.
func (c *Completion) IsSuccess() bool { return c.Result == ResultBytes }

// IsError reports a completion carrying an error (including timeouts).
func (c *Completion) IsError() bool { return c.Result == ResultError || c.Result == ResultTimedOut }

// BytesTransferred returns the byte count of a successful completion.
func (c *Completion) BytesTransferred() (int, bool) {
	if c.Result != ResultBytes {
		return 0, false
	}
	return c.N, true
}

// ErrorCode returns the platform error number, if the error carries one.
func (c *Completion) ErrorCode() (int, bool) {
	if c.Err == nil {
		return 0, false
	}
	var errno syscall.Errno
	if errors.As(c.Err, &errno) {
		return int(errno), true
	}
	return 0, false
}

// CompletionFromResult builds a completion from a kernel-style signed result:
// res >= 0 is a byte count, res < 0 is a negated errno. Flags are preserved.
func CompletionFromResult(tok Token, res int32, flags uint32) Completion {
	c := Completion{Token: tok, Flags: flags}
	if res >= 0 {
		c.Result = ResultBytes
		c.N = int(res)
		return c
	}
	c.Result = ResultError
	c.Err = NewBackendError("complete", syscall.Errno(-res))
	return c
}

// Succeed returns a successful completion of n bytes for tok.
func Succeed(tok Token, n int) Completion {
	return Completion{Token: tok, Result: ResultBytes, N: n}
}

// Fail returns an error completion for tok.
func Fail(tok Token, err error) Completion {
	if errors.Is(err, ErrTimedOut) {
		return Completion{Token: tok, Result: ResultTimedOut, Err: err}
	}
	return Completion{Token: tok, Result: ResultError, Err: err}
}
