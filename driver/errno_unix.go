//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: driver/errno_unix.go
// Author: momentics <momentics@gmail.com>
//
// Mapping of OS error numbers to completion results.

package driver

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

// wouldBlock reports a not-ready condition the worker retries instead of surfacing.
func wouldBlock(errno unix.Errno) bool {
	return errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR
}

// failWith fills c from an OS error returned by op.
func failWith(c *api.Completion, op string, err error) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		c.Result = api.ResultError
		c.Err = err
		return
	}
	switch {
	case wouldBlock(errno):
		c.Result = api.ResultWouldBlock
	case errno == unix.ECANCELED:
		c.Result = api.ResultError
		c.Err = api.ErrCancelled
	default:
		c.Result = api.ResultError
		c.Err = api.NewBackendError(op, errno)
	}
}
