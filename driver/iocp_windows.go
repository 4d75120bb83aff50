//go:build windows

// File: driver/iocp_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOCP driver. Overlapped WSARecv/WSASend/AcceptEx/ConnectEx operate directly
// on the VirtualAlloc'd arena pages, so data never passes through an
// intermediate user-space buffer. Registered I/O (RIO) is not used.

package driver

import (
	"errors"
	"net/netip"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-hbtp/api"
)

const (
	wakeKey = ^uintptr(0)

	soUpdateAcceptContext  = 0x700B
	soUpdateConnectContext = 0x7010

	wsaeInval      = windows.Errno(10022)
	wsaeWouldBlock = windows.Errno(10035)

	acceptAddrLen = uint32(unsafe.Sizeof(windows.RawSockaddrAny{}) + 16)
)

var wsaOnce sync.Once

// iocpOp must keep ov as its first field: completions hand back *Overlapped.
type iocpOp struct {
	ov      windows.Overlapped
	tok     api.Token
	op      api.OpKind
	h       windows.Handle
	buf     api.Buffer
	off     int
	addr    netip.AddrPort
	wsa     windows.WSABuf
	flags   uint32
	accept  windows.Handle
	addrBuf [2 * acceptAddrLen]byte
	closing bool
}

type iocpDriver struct {
	port    windows.Handle
	ops     map[api.Token]*iocpOp
	handles map[windows.Handle]struct{}
	queue   []*iocpOp
	depth   int
	ready   []api.Completion
	closed  bool
}

func newIOCPDriver(opts Options) (api.Driver, error) {
	var wsaErr error
	wsaOnce.Do(func() {
		var data windows.WSAData
		wsaErr = windows.WSAStartup(uint32(0x0202), &data)
	})
	if wsaErr != nil {
		return nil, wsaErr
	}
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, err
	}
	return &iocpDriver{
		port:    port,
		ops:     make(map[api.Token]*iocpOp),
		handles: make(map[windows.Handle]struct{}),
		depth:   int(opts.RingEntries),
	}, nil
}

func (d *iocpDriver) Kind() api.BackendKind { return api.BackendIOCP }

// ZeroCopy is true: overlapped I/O targets the arena pages directly.
func (d *iocpDriver) ZeroCopy() bool { return true }

// RegisterBuffers needs no kernel call; the arena pages stay committed until
// the arena is closed after this driver.
func (d *iocpDriver) RegisterBuffers([][]byte) error { return nil }

func (d *iocpDriver) Register(h api.Handle) error {
	if d.closed {
		return api.ErrDriverClosed
	}
	wh := windows.Handle(h)
	if _, ok := d.handles[wh]; ok {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(wh, d.port, 0, 0); err != nil {
		return api.NewBackendError("register", toWinErrno(err))
	}
	d.handles[wh] = struct{}{}
	return nil
}

// Deregister forgets h. IOCP has no dissociation call; the association ends
// when the socket is closed.
func (d *iocpDriver) Deregister(h api.Handle) error {
	if _, ok := d.handles[windows.Handle(h)]; !ok {
		return api.ErrNotRegistered
	}
	delete(d.handles, windows.Handle(h))
	return nil
}

func (d *iocpDriver) Submit(tok api.Token, in *api.Interest) error {
	switch {
	case d.closed:
		return api.ErrDriverClosed
	case in.Op == api.OpTimer:
		return api.ErrUnsupportedOperation
	case len(d.queue) >= d.depth:
		return api.ErrQueueFull
	}
	if _, dup := d.ops[tok]; dup {
		return api.ErrInvalidArgument
	}
	wh := windows.Handle(in.Handle)
	if _, ok := d.handles[wh]; !ok && in.Op != api.OpClose {
		return api.ErrNotRegistered
	}
	op := &iocpOp{tok: tok, op: in.Op, h: wh, buf: in.Buffer, off: in.Offset, addr: in.Addr, accept: windows.InvalidHandle}
	d.ops[tok] = op
	d.queue = append(d.queue, op)
	return nil
}

// Flush issues the queued overlapped calls and returns how many were issued.
func (d *iocpDriver) Flush() (int, error) {
	n := len(d.queue)
	for i, op := range d.queue {
		d.queue[i] = nil
		d.start(op)
	}
	d.queue = d.queue[:0]
	return n, nil
}

func (d *iocpDriver) start(op *iocpOp) {
	var err error
	var n uint32
	switch op.op {
	case api.OpRead:
		mem := op.buf.Bytes()
		op.wsa = windows.WSABuf{Len: uint32(len(mem)), Buf: &mem[0]}
		err = windows.WSARecv(op.h, &op.wsa, 1, &n, &op.flags, &op.ov, nil)
	case api.OpWrite:
		if op.buf.Len() == op.off {
			d.finish(op, 0, nil)
			return
		}
		mem := op.buf.Bytes()
		op.wsa = windows.WSABuf{Len: uint32(op.buf.Len() - op.off), Buf: &mem[op.off]}
		err = windows.WSASend(op.h, &op.wsa, 1, &n, 0, &op.ov, nil)
	case api.OpAccept:
		err = d.startAccept(op, &n)
	case api.OpConnect:
		err = d.startConnect(op)
	case api.OpClose:
		d.closeHandle(op)
		return
	}
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		if op.accept != windows.InvalidHandle {
			windows.Closesocket(op.accept)
		}
		d.finish(op, 0, err)
	}
}

func (d *iocpDriver) startAccept(op *iocpOp, n *uint32) error {
	family := int32(windows.AF_INET)
	if sa, err := windows.Getsockname(op.h); err == nil {
		if _, v6 := sa.(*windows.SockaddrInet6); v6 {
			family = windows.AF_INET6
		}
	}
	s, err := windows.WSASocket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP, nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return err
	}
	op.accept = s
	return windows.AcceptEx(op.h, s, &op.addrBuf[0], 0, acceptAddrLen, acceptAddrLen, n, &op.ov)
}

func (d *iocpDriver) startConnect(op *iocpOp) error {
	var local, remote windows.Sockaddr
	addr := op.addr.Addr()
	if addr.Is4() {
		local = &windows.SockaddrInet4{}
		remote = &windows.SockaddrInet4{Port: int(op.addr.Port()), Addr: addr.As4()}
	} else {
		local = &windows.SockaddrInet6{}
		remote = &windows.SockaddrInet6{Port: int(op.addr.Port()), Addr: addr.As16()}
	}
	// ConnectEx requires a bound socket.
	if err := windows.Bind(op.h, local); err != nil && !errors.Is(err, wsaeInval) {
		return err
	}
	return windows.ConnectEx(op.h, remote, nil, 0, nil, &op.ov)
}

// closeHandle closes the socket; pending overlapped calls come back aborted.
func (d *iocpDriver) closeHandle(op *iocpOp) {
	for _, other := range d.ops {
		if other.h == op.h && other != op {
			other.closing = true
		}
	}
	delete(d.handles, op.h)
	d.finish(op, 0, windows.Closesocket(op.h))
}

func (d *iocpDriver) finish(op *iocpOp, n uint32, err error) {
	delete(d.ops, op.tok)
	c := api.Completion{Token: op.tok, Handle: api.Handle(op.h), Op: op.op}
	switch {
	case err != nil:
		c.Result = api.ResultError
		errno := toWinErrno(err)
		switch {
		case errno == windows.ERROR_OPERATION_ABORTED, op.closing:
			c.Err = api.ErrCancelled
		case errno == wsaeWouldBlock:
			c.Result = api.ResultWouldBlock
		default:
			c.Err = api.NewBackendError(op.op.String(), errno)
		}
	case op.op == api.OpAccept:
		c.Accepted = api.Handle(op.accept)
	default:
		c.N = int(n)
	}
	d.ready = append(d.ready, c)
}

func (d *iocpDriver) Poll(timeout time.Duration, out []api.Completion) (int, error) {
	if d.closed {
		return 0, api.ErrDriverClosed
	}
	wait := uint32(windows.INFINITE)
	if timeout >= 0 {
		wait = uint32((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for len(d.ready) < len(out) {
		if len(d.ready) > 0 {
			wait = 0
		}
		var (
			qty uint32
			key uintptr
			ov  *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(d.port, &qty, &key, &ov, wait)
		if ov == nil {
			if err == nil && key == wakeKey {
				wait = 0
				continue
			}
			if err != nil && toWinErrno(err) != windows.Errno(windows.WAIT_TIMEOUT) {
				return 0, api.NewBackendError("GetQueuedCompletionStatus", toWinErrno(err))
			}
			break
		}
		op := (*iocpOp)(unsafe.Pointer(ov))
		if d.ops[op.tok] != op {
			continue
		}
		d.complete(op, qty, err)
	}
	n := copy(out, d.ready)
	rest := copy(d.ready, d.ready[n:])
	for i := rest; i < len(d.ready); i++ {
		d.ready[i] = api.Completion{}
	}
	d.ready = d.ready[:rest]
	return n, nil
}

func (d *iocpDriver) complete(op *iocpOp, qty uint32, err error) {
	if err == nil {
		switch op.op {
		case api.OpAccept:
			h := op.h
			err = windows.Setsockopt(op.accept, windows.SOL_SOCKET, soUpdateAcceptContext,
				(*byte)(unsafe.Pointer(&h)), int32(unsafe.Sizeof(h)))
		case api.OpConnect:
			err = windows.Setsockopt(op.h, windows.SOL_SOCKET, soUpdateConnectContext, nil, 0)
		}
	}
	if err != nil && op.accept != windows.InvalidHandle {
		windows.Closesocket(op.accept)
		op.accept = windows.InvalidHandle
	}
	d.finish(op, qty, err)
}

// Cancel drops a queued op or issues CancelIoEx for a started one.
func (d *iocpDriver) Cancel(tok api.Token) error {
	op, ok := d.ops[tok]
	if !ok {
		return nil
	}
	for i, q := range d.queue {
		if q == op {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.finish(op, 0, windows.ERROR_OPERATION_ABORTED)
			return nil
		}
	}
	err := windows.CancelIoEx(op.h, &op.ov)
	if err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
		return api.NewBackendError("CancelIoEx", toWinErrno(err))
	}
	return nil
}

func (d *iocpDriver) Wake() error {
	return windows.PostQueuedCompletionStatus(d.port, 0, wakeKey, nil)
}

func (d *iocpDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return windows.CloseHandle(d.port)
}

func toWinErrno(err error) windows.Errno {
	var errno windows.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return windows.ERROR_INVALID_FUNCTION
}
