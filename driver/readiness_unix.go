//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: driver/readiness_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness engine shared by the epoll and kqueue drivers. Those APIs only
// report that a descriptor is ready; the engine then performs the syscall
// itself, straight into the arena slot (one user-space copy, no zero copy).
// Every descriptor is armed one-shot and re-armed while operations remain.

package driver

import (
	"errors"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

// notifier is the OS readiness primitive behind the engine.
type notifier interface {
	add(fd int) error
	arm(fd int, dirs api.Direction) error
	remove(fd int) error
	// wait reports up to limit ready descriptors through fn.
	wait(timeout time.Duration, limit int, fn func(fd int, dirs api.Direction)) error
	wake() error
	close() error
}

type readyOp struct {
	tok  api.Token
	op   api.OpKind
	fd   int
	buf  api.Buffer
	off  int
	addr netip.AddrPort
}

type fdState struct {
	in, out *readyOp
	armed   api.Direction
}

type readiness struct {
	kind   api.BackendKind
	n      notifier
	fds    map[int]*fdState
	ops    map[api.Token]*readyOp
	queue  []*readyOp
	depth  int
	batch  int
	ready  []api.Completion
	closed bool
}

func newReadiness(kind api.BackendKind, n notifier, opts Options) *readiness {
	return &readiness{
		kind:   kind,
		n:      n,
		fds:    make(map[int]*fdState),
		ops:    make(map[api.Token]*readyOp),
		depth:  int(opts.RingEntries),
		batch:  opts.PollBatch,
	}
}

func (r *readiness) Kind() api.BackendKind { return r.kind }

// ZeroCopy is false: data is copied by read(2)/write(2) into registered slots.
func (r *readiness) ZeroCopy() bool { return false }

// RegisterBuffers has nothing to tell the kernel on readiness backends.
func (r *readiness) RegisterBuffers([][]byte) error { return nil }

func (r *readiness) Register(h api.Handle) error {
	if r.closed {
		return api.ErrDriverClosed
	}
	fd := int(h)
	if _, ok := r.fds[fd]; ok {
		return nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return api.NewBackendError("register", toErrno(err))
	}
	if err := r.n.add(fd); err != nil {
		return api.NewBackendError("register", toErrno(err))
	}
	r.fds[fd] = &fdState{}
	return nil
}

func (r *readiness) Deregister(h api.Handle) error {
	fd := int(h)
	st, ok := r.fds[fd]
	if !ok {
		return api.ErrNotRegistered
	}
	r.abort(st.in, api.ErrCancelled)
	r.abort(st.out, api.ErrCancelled)
	delete(r.fds, fd)
	return r.n.remove(fd)
}

func (r *readiness) Submit(tok api.Token, in *api.Interest) error {
	switch {
	case r.closed:
		return api.ErrDriverClosed
	case in.Op == api.OpTimer:
		return api.ErrUnsupportedOperation
	case len(r.queue) >= r.depth:
		return api.ErrQueueFull
	}
	if _, dup := r.ops[tok]; dup {
		return api.ErrInvalidArgument
	}
	if _, ok := r.fds[int(in.Handle)]; !ok && in.Op != api.OpClose {
		return api.ErrNotRegistered
	}
	op := &readyOp{tok: tok, op: in.Op, fd: int(in.Handle), buf: in.Buffer, off: in.Offset, addr: in.Addr}
	r.ops[tok] = op
	r.queue = append(r.queue, op)
	return nil
}

// Flush starts every queued operation and returns how many were started.
func (r *readiness) Flush() (int, error) {
	n := len(r.queue)
	for i, op := range r.queue {
		r.queue[i] = nil
		r.start(op)
	}
	r.queue = r.queue[:0]
	return n, nil
}

func (r *readiness) start(op *readyOp) {
	if op.op == api.OpClose {
		r.closeFd(op)
		return
	}
	st := r.fds[op.fd]
	if st == nil {
		r.finish(op, 0, api.ErrNotRegistered)
		return
	}
	if op.op == api.OpConnect {
		err := unix.Connect(op.fd, toSockaddr(op.addr))
		if !errors.Is(err, unix.EINPROGRESS) {
			r.finish(op, 0, err)
			return
		}
	}
	slot := &st.in
	if op.op.Direction() == api.DirOutbound {
		slot = &st.out
	}
	if *slot != nil {
		r.finish(op, 0, api.ErrHandleBusy)
		return
	}
	*slot = op
	r.rearm(op.fd, st)
}

func (r *readiness) closeFd(op *readyOp) {
	if st, ok := r.fds[op.fd]; ok {
		r.abort(st.in, api.ErrCancelled)
		r.abort(st.out, api.ErrCancelled)
		delete(r.fds, op.fd)
		_ = r.n.remove(op.fd)
	}
	r.finish(op, 0, unix.Close(op.fd))
}

func (r *readiness) rearm(fd int, st *fdState) {
	var want api.Direction
	if st.in != nil {
		want |= api.DirInbound
	}
	if st.out != nil {
		want |= api.DirOutbound
	}
	if want == 0 || want == st.armed {
		return
	}
	if err := r.n.arm(fd, want); err != nil {
		r.abort(st.in, err)
		r.abort(st.out, err)
		st.in, st.out = nil, nil
		return
	}
	st.armed = want
}

// Poll waits for readiness, performs the ready syscalls and hands out completions.
func (r *readiness) Poll(timeout time.Duration, out []api.Completion) (int, error) {
	if r.closed {
		return 0, api.ErrDriverClosed
	}
	if len(r.ready) > 0 {
		timeout = 0
	}
	if len(r.ready) < len(out) {
		err := r.n.wait(timeout, r.batch, r.onReady)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return 0, api.NewBackendError("wait", toErrno(err))
		}
	}
	n := copy(out, r.ready)
	rest := copy(r.ready, r.ready[n:])
	for i := rest; i < len(r.ready); i++ {
		r.ready[i] = api.Completion{}
	}
	r.ready = r.ready[:rest]
	return n, nil
}

func (r *readiness) onReady(fd int, dirs api.Direction) {
	st := r.fds[fd]
	if st == nil {
		return
	}
	st.armed = 0
	if dirs&api.DirInbound != 0 && st.in != nil {
		op := st.in
		st.in = nil
		r.perform(op)
	}
	if dirs&api.DirOutbound != 0 && st.out != nil {
		op := st.out
		st.out = nil
		r.perform(op)
	}
	if r.fds[fd] == st {
		r.rearm(fd, st)
	}
}

func (r *readiness) perform(op *readyOp) {
	var (
		n   int
		err error
	)
	switch op.op {
	case api.OpRead:
		n, err = unix.Read(op.fd, op.buf.Bytes())
	case api.OpWrite:
		n, err = unix.Write(op.fd, op.buf.Data()[op.off:])
	case api.OpAccept:
		n, err = acceptNonblock(op.fd)
	case api.OpConnect:
		var soerr int
		soerr, err = unix.GetsockoptInt(op.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soerr != 0 {
			err = unix.Errno(soerr)
		}
	}
	r.finish(op, n, err)
}

func (r *readiness) finish(op *readyOp, n int, err error) {
	delete(r.ops, op.tok)
	c := api.Completion{Token: op.tok, Handle: api.Handle(op.fd), Op: op.op}
	switch {
	case err != nil:
		failWith(&c, op.op.String(), err)
	case op.op == api.OpAccept:
		c.Accepted = api.Handle(n)
	case n > 0:
		c.N = n
	}
	r.ready = append(r.ready, c)
}

func (r *readiness) abort(op *readyOp, err error) {
	if op == nil {
		return
	}
	r.finish(op, 0, err)
}

// Cancel abandons tok if it has not completed yet.
func (r *readiness) Cancel(tok api.Token) error {
	op, ok := r.ops[tok]
	if !ok {
		return nil
	}
	for i, q := range r.queue {
		if q == op {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	if st := r.fds[op.fd]; st != nil {
		if st.in == op {
			st.in = nil
		}
		if st.out == op {
			st.out = nil
		}
	}
	r.finish(op, 0, api.ErrCancelled)
	return nil
}

func (r *readiness) Wake() error { return r.n.wake() }

func (r *readiness) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.n.close()
}

func toErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
