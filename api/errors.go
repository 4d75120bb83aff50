// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by drivers, workers, the arena and the HBTP codec.

package api

import (
	"errors"
	"fmt"
	"syscall"
)

// Common errors used across the library.
var (
	ErrPoolExhausted        = errors.New("buffer pool exhausted")
	ErrCancelled            = errors.New("operation cancelled")
	ErrTimedOut             = errors.New("operation timed out")
	ErrShutdownInProgress   = errors.New("shutdown in progress")
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrHandleBusy           = errors.New("handle has a pending operation in the same direction")
	ErrQueueFull            = errors.New("backend submission queue full")
	ErrSubmissionQueueFull  = errors.New("worker submission queue full")
	ErrBackendUnavailable   = errors.New("backend not available on this platform")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotRegistered        = errors.New("handle not registered")
	ErrDriverClosed         = errors.New("driver closed")
	ErrUnsupportedOperation = errors.New("operation not supported by backend")
)

// ErrorCode classifies an error into the reactor taxonomy.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeBackend
	ErrCodeFrame
	ErrCodePoolExhausted
	ErrCodeCancelled
	ErrCodeTimedOut
	ErrCodeShutdown
	ErrCodeInvalidArgument
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeBackend:
		return "backend"
	case ErrCodeFrame:
		return "frame"
	case ErrCodePoolExhausted:
		return "pool_exhausted"
	case ErrCodeCancelled:
		return "cancelled"
	case ErrCodeTimedOut:
		return "timed_out"
	case ErrCodeShutdown:
		return "shutdown"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

// Code maps err onto the taxonomy. A nil error is ErrCodeOK.
func Code(err error) ErrorCode {
	var be *BackendError
	switch {
	case err == nil:
		return ErrCodeOK
	case errors.Is(err, ErrCancelled):
		return ErrCodeCancelled
	case errors.Is(err, ErrTimedOut):
		return ErrCodeTimedOut
	case errors.Is(err, ErrPoolExhausted):
		return ErrCodePoolExhausted
	case errors.Is(err, ErrShutdownInProgress):
		return ErrCodeShutdown
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMalformedFrame):
		return ErrCodeFrame
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrHandleBusy):
		return ErrCodeInvalidArgument
	case errors.As(err, &be):
		return ErrCodeBackend
	default:
		return ErrCodeInternal
	}
}

// BackendError is an OS-level failure reported by a driver. Code carries the
// platform error number (errno on Unix, Win32 error on Windows).
type BackendError struct {
	Op   string
	Code syscall.Errno
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v (code %d)", e.Op, e.Code, int(e.Code))
}

// Unwrap exposes the errno for errors.Is checks against syscall constants.
func (e *BackendError) Unwrap() error { return e.Code }

// NewBackendError wraps errno for operation op.
func NewBackendError(op string, errno syscall.Errno) *BackendError {
	return &BackendError{Op: op, Code: errno}
}
