// File: server/handler_chain.go
// Package server implements middleware chain utilities.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"

	"github.com/momentics/hioload-hbtp/protocol"
)

// NewHandlerChain applies middleware in order: first in slice is outermost.
func NewHandlerChain(base Handler, mw ...Middleware) Handler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// AutoPong answers OpPing with OpPong carrying the same routing key and
// payload, and hangs up on OpClose after flushing. Other opcodes pass through.
func AutoPong(next Handler) Handler {
	return HandlerFunc(func(c *Conn, m protocol.Message) error {
		switch m.Opcode {
		case protocol.OpPing:
			return c.Reply(m, protocol.OpPong, m.Payload)
		case protocol.OpClose:
			c.CloseAfterFlush()
			return nil
		default:
			return next.ServeHBTP(c, m)
		}
	})
}

// Recover turns a handler panic into a connection error.
func Recover(next Handler) Handler {
	return HandlerFunc(func(c *Conn, m protocol.Message) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("server: handler panic on opcode %s: %v", protocol.OpcodeName(m.Opcode), p)
			}
		}()
		return next.ServeHBTP(c, m)
	})
}
