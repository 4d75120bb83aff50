// File: server/conn.go
// Author: momentics <momentics@gmail.com>
//
// Server-side HBTP connection. Outbound frames are queued in order and
// written one arena slot at a time; a slot is refilled with as many queued
// frames as fit, and short writes resubmit the remainder.

package server

import (
	"errors"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/internal/transport"
	"github.com/momentics/hioload-hbtp/pool"
	"github.com/momentics/hioload-hbtp/protocol"
)

const writeBackoff = time.Millisecond

// Conn is one accepted connection. Send and Close are safe for concurrent use.
type Conn struct {
	srv *Server
	h   api.Handle

	mu         sync.Mutex
	out        *queue.Queue // encoded frames, []byte
	partial    int          // bytes of the head frame already copied out
	writing    bool
	closed     bool
	closeAfter bool

	// writer chain only
	wbuf *pool.Buffer
	woff int

	finalize sync.Once
	done     chan struct{}
	cause    error
}

func newConn(s *Server, h api.Handle) *Conn {
	return &Conn{srv: s, h: h, out: queue.New(), done: make(chan struct{})}
}

// Handle is the socket behind the connection.
func (c *Conn) Handle() api.Handle { return c.h }

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() (netip.AddrPort, error) { return transport.RemoteAddr(c.h) }

// Done is closed once the socket has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the connection ended, nil for an orderly close. It is
// meaningful after Done.
func (c *Conn) Err() error {
	<-c.done
	return c.cause
}

// Send encodes m and queues it behind earlier frames.
func (c *Conn) Send(m protocol.Message) error {
	frame, err := protocol.AppendMessage(nil, m, c.srv.r.MaxFrameSize())
	if err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.closed || c.closeAfter:
		c.mu.Unlock()
		return ErrConnClosed
	case c.srv.cfg.WriteQueueLimit > 0 && c.out.Length() >= c.srv.cfg.WriteQueueLimit:
		c.mu.Unlock()
		return ErrWriteQueueFull
	}
	c.out.Add(frame)
	start := !c.writing
	c.writing = true
	c.mu.Unlock()

	if start {
		c.kick()
	}
	return nil
}

// Reply sends a response to req on the same routing key.
func (c *Conn) Reply(req protocol.Message, opcode byte, payload []byte) error {
	return c.Send(protocol.Message{Opcode: opcode, RoutingKey: req.RoutingKey, Payload: payload})
}

// kick starts the writer chain with a fresh slot. The slot is taken under
// mu so a closed connection never re-pins its handle.
func (c *Conn) kick() {
	c.mu.Lock()
	if c.closed {
		c.writing = false
		c.mu.Unlock()
		return
	}
	b, err := c.srv.r.Checkout(c.h)
	if err == nil {
		c.fill(b)
	}
	c.mu.Unlock()

	if errors.Is(err, api.ErrPoolExhausted) {
		_, err = c.srv.r.SubmitFunc(api.Interest{
			Op:       api.OpTimer,
			Handle:   c.h,
			Deadline: time.Now().Add(writeBackoff),
		}, func(t api.Completion) {
			if t.Err != nil {
				c.closeWith(t.Err)
				return
			}
			c.kick()
		})
		if err == nil {
			return
		}
	}
	if err != nil {
		c.closeWith(err)
		return
	}
	c.submit(b, 0)
}

// fill copies queued frames into b. Caller holds mu.
func (c *Conn) fill(b *pool.Buffer) {
	b.SetLen(0)
	slot := b.Bytes()
	for c.out.Length() > 0 && b.Len() < len(slot) {
		frame := c.out.Peek().([]byte)
		n := copy(slot[b.Len():], frame[c.partial:])
		b.SetLen(b.Len() + n)
		c.partial += n
		if c.partial < len(frame) {
			return
		}
		c.out.Remove()
		c.partial = 0
		c.srv.sent.Add(1)
	}
}

// submit posts the write under mu, which orders it before any close of
// the handle.
func (c *Conn) submit(b *pool.Buffer, off int) {
	c.mu.Lock()
	if c.closed {
		c.writing = false
		c.mu.Unlock()
		b.Release()
		return
	}
	c.wbuf, c.woff = b, off
	_, err := c.srv.r.SubmitFunc(api.Interest{Op: api.OpWrite, Handle: c.h, Buffer: b, Offset: off}, c.onWrite)
	c.mu.Unlock()
	if err != nil {
		b.Release()
		c.closeWith(err)
	}
}

// onWrite runs on the worker thread. The slot goes back to the arena when
// this returns unless it is retained for the next write.
func (c *Conn) onWrite(comp api.Completion) {
	if comp.IsError() {
		c.closeWith(comp.Err)
		return
	}
	b := c.wbuf
	if comp.N == 0 {
		c.closeWith(io.ErrShortWrite)
		return
	}
	if off := c.woff + comp.N; off < b.Len() {
		b.Retain()
		c.submit(b, off)
		return
	}

	c.mu.Lock()
	if c.closed || c.out.Length() == 0 {
		c.writing = false
		after := c.closeAfter && !c.closed
		c.mu.Unlock()
		if after {
			_ = c.Close()
		}
		return
	}
	c.fill(b)
	c.mu.Unlock()
	b.Retain()
	c.submit(b, 0)
}

// CloseAfterFlush stops accepting frames and closes the connection once the
// queued ones are written.
func (c *Conn) CloseAfterFlush() {
	c.mu.Lock()
	if c.closed || c.closeAfter {
		c.mu.Unlock()
		return
	}
	c.closeAfter = true
	now := !c.writing
	c.mu.Unlock()
	if now {
		_ = c.Close()
	}
}

// Close drops queued frames and closes the socket. Outstanding reads and
// writes on it complete with ErrCancelled.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for c.out.Length() > 0 {
		c.out.Remove()
	}
	c.partial = 0
	c.mu.Unlock()

	if cause != nil {
		c.srv.log.Debug().Err(cause).Uint64("handle", uint64(c.h)).Msg("connection closing")
	}
	_, err := c.srv.r.SubmitFunc(api.Interest{Op: api.OpClose, Handle: c.h}, func(comp api.Completion) {
		if comp.Err != nil && cause == nil {
			cause = comp.Err
		}
		c.finish(cause)
	})
	if err != nil {
		// The worker is gone; nothing else will close the socket.
		_ = transport.Close(c.h)
		c.finish(cause)
	}
}

func (c *Conn) finish(cause error) {
	c.finalize.Do(func() {
		c.cause = cause
		close(c.done)
		c.srv.forget(c, cause)
	})
}

func (c *Conn) onMessage(m protocol.Message) error {
	c.srv.messages.Add(1)
	return c.srv.handler.ServeHBTP(c, m)
}

// onStreamEnd runs once when the read side stops.
func (c *Conn) onStreamEnd(err error) {
	var fe *protocol.FrameError
	switch {
	case err == nil:
		c.CloseAfterFlush()
	case errors.As(err, &fe):
		// Tell the peer why before hanging up.
		reason := []byte(fe.Error())
		if limit := int(c.srv.r.MaxFrameSize()); len(reason) > limit {
			reason = reason[:limit]
		}
		_ = c.Send(protocol.Message{Opcode: protocol.OpError, Payload: reason})
		c.CloseAfterFlush()
	case errors.Is(err, api.ErrCancelled):
		c.closeWith(nil)
	default:
		c.closeWith(err)
	}
}
