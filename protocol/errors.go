// File: protocol/errors.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-hbtp/api"
)

// FrameError reports a malformed or oversize HBTP frame. It wraps
// api.ErrFrameTooLarge or api.ErrMalformedFrame.
type FrameError struct {
	Header Header
	Limit  uint32
	Err    error
}

func (e *FrameError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("hbtp: %v: payload %d > limit %d (opcode 0x%02x)", e.Err, e.Header.PayloadLen, e.Limit, e.Header.Opcode)
	}
	return fmt.Sprintf("hbtp: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

func tooLarge(h Header, limit uint32) error {
	return &FrameError{Header: h, Limit: limit, Err: api.ErrFrameTooLarge}
}

func malformed(reason string) error {
	return &FrameError{Err: fmt.Errorf("%w: %s", api.ErrMalformedFrame, reason)}
}
