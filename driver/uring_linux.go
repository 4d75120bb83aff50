//go:build linux

// File: driver/uring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// io_uring driver: one ring per worker, fixed buffers for the arena slots,
// eventfd wake-up and TIMEOUT SQEs for bounded waits. Only the owning worker
// touches the rings, so head/tail updates need no lock.

package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

// user_data layout: operation tokens use the low 63 bits, internal SQEs set
// the top bit and carry their kind in bits 56..62.
const (
	udInternal      = uint64(1) << 63
	udKindMask      = udInternal | uint64(0x7f)<<56
	udWake          = udInternal | uint64(1)<<56
	udTimeout       = udInternal | uint64(2)<<56
	udTimeoutRemove = udInternal | uint64(3)<<56
	udCancel        = udInternal | uint64(4)<<56
)

type uringOp struct {
	tok api.Token
	op  api.OpKind
	fd  int
	sa  any // sockaddr kept alive until CONNECT completes
}

type uringDriver struct {
	fd      int
	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []ioUringSqe
	cqes    []ioUringCqe

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	cqHead    *uint32
	cqTail    *uint32
	cqMask    uint32

	pushed  uint32 // sq tail already handed to the kernel
	sqUser  []bool // per SQ slot: holds a caller operation
	ops     map[api.Token]*uringOp
	handles map[int]struct{}
	regions [][]byte

	efd       int
	wakeBuf   [8]byte
	wakeArmed bool

	ts           kernelTimespec
	timeoutSeq   uint64
	timeoutArmed bool
	woken        bool
	interrupted  bool

	closed bool
}

func newIoUringDriver(opts Options) (api.Driver, error) {
	const minEntries = 8
	entries := opts.RingEntries
	if entries < minEntries {
		entries = minEntries
	}
	flagSets := []uint32{
		ioringSetupClamp | ioringSetupCoopTaskrun,
		ioringSetupClamp,
	}
	var params ioUringParams
	var fd uintptr
	for i := 0; ; {
		params = ioUringParams{Flags: flagSets[i]}
		var errno unix.Errno
		fd, _, errno = unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
		if errno == 0 {
			break
		}
		if errno == unix.EINVAL && i < len(flagSets)-1 {
			i++
			continue
		}
		if errno == unix.ENOMEM && entries > minEntries {
			entries /= 2
			continue
		}
		return nil, api.NewBackendError("io_uring_setup", errno)
	}

	d := &uringDriver{
		fd:      int(fd),
		efd:     -1,
		ops:     make(map[api.Token]*uringOp),
		handles: make(map[int]struct{}),
	}
	if err := d.mapRings(&params); err != nil {
		d.Close()
		return nil, err
	}
	// Blocking eventfd: io_uring parks the READ instead of failing with EAGAIN.
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	d.efd = efd
	d.armWake()
	if _, err := d.enter(0, 0); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *uringDriver) mapRings(p *ioUringParams) error {
	page := uint32(unix.Getpagesize())
	sqSize := alignUint32(p.SqOff.Array+p.SqEntries*4, page)
	cqSize := alignUint32(p.CqOff.Cqes+p.CqEntries*ioUringCqeSize, page)
	sqesSize := alignUint32(p.SqEntries*ioUringSqeSize, page)

	var err error
	if d.sqRing, err = unix.Mmap(d.fd, ioringOffSqRing, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("io_uring mmap sq ring: %w", err)
	}
	if d.cqRing, err = unix.Mmap(d.fd, ioringOffCqRing, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("io_uring mmap cq ring: %w", err)
	}
	if d.sqesMap, err = unix.Mmap(d.fd, ioringOffSqes, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("io_uring mmap sqes: %w", err)
	}

	sq := unsafe.Pointer(&d.sqRing[0])
	d.sqHead = (*uint32)(unsafe.Add(sq, p.SqOff.Head))
	d.sqTail = (*uint32)(unsafe.Add(sq, p.SqOff.Tail))
	d.sqMask = *(*uint32)(unsafe.Add(sq, p.SqOff.RingMask))
	d.sqEntries = *(*uint32)(unsafe.Add(sq, p.SqOff.RingEntries))
	d.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sq, p.SqOff.Array)), int(p.SqEntries))
	d.sqes = unsafe.Slice((*ioUringSqe)(unsafe.Pointer(&d.sqesMap[0])), int(p.SqEntries))

	cq := unsafe.Pointer(&d.cqRing[0])
	d.cqHead = (*uint32)(unsafe.Add(cq, p.CqOff.Head))
	d.cqTail = (*uint32)(unsafe.Add(cq, p.CqOff.Tail))
	d.cqMask = *(*uint32)(unsafe.Add(cq, p.CqOff.RingMask))
	d.cqes = unsafe.Slice((*ioUringCqe)(unsafe.Add(cq, p.CqOff.Cqes)), int(p.CqEntries))
	d.pushed = atomic.LoadUint32(d.sqTail)
	d.sqUser = make([]bool, len(d.sqes))
	return nil
}

func (d *uringDriver) Kind() api.BackendKind { return api.BackendIoUring }

// ZeroCopy is true once arena slots are registered as fixed buffers.
func (d *uringDriver) ZeroCopy() bool { return len(d.regions) > 0 }

// RegisterBuffers registers regions as fixed buffers; region i gets buf_index i.
// On failure (RLIMIT_MEMLOCK on older kernels) reads and writes fall back to
// plain READ/WRITE into the same memory.
func (d *uringDriver) RegisterBuffers(regions [][]byte) error {
	if len(regions) == 0 {
		return nil
	}
	iovs := make([]unix.Iovec, len(regions))
	for i, r := range regions {
		if len(r) == 0 {
			return api.ErrInvalidArgument
		}
		iovs[i].Base = &r[0]
		iovs[i].SetLen(len(r))
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(d.fd), ioringRegisterBuffers,
		uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)), 0, 0)
	if errno != 0 {
		return api.NewBackendError("io_uring_register", errno)
	}
	d.regions = regions
	return nil
}

// Register switches h to blocking mode: io_uring fails operations on
// O_NONBLOCK descriptors with EAGAIN instead of waiting for readiness.
func (d *uringDriver) Register(h api.Handle) error {
	if d.closed {
		return api.ErrDriverClosed
	}
	if err := unix.SetNonblock(int(h), false); err != nil {
		return api.NewBackendError("register", toErrno(err))
	}
	d.handles[int(h)] = struct{}{}
	return nil
}

func (d *uringDriver) Deregister(h api.Handle) error {
	if _, ok := d.handles[int(h)]; !ok {
		return api.ErrNotRegistered
	}
	delete(d.handles, int(h))
	return nil
}

func (d *uringDriver) getSqe(user bool) *ioUringSqe {
	head := atomic.LoadUint32(d.sqHead)
	tail := *d.sqTail
	if tail-head >= d.sqEntries {
		return nil
	}
	idx := tail & d.sqMask
	sqe := &d.sqes[idx]
	*sqe = ioUringSqe{}
	d.sqArray[idx] = idx
	d.sqUser[idx] = user
	atomic.StoreUint32(d.sqTail, tail+1)
	return sqe
}

func (d *uringDriver) fixedIndex(b api.Buffer) (uint16, bool) {
	idx := b.Index()
	if int(idx) >= len(d.regions) {
		return 0, false
	}
	r, mem := d.regions[idx], b.Bytes()
	if len(mem) == 0 || &r[0] != &mem[0] {
		return 0, false
	}
	return uint16(idx), true
}

func (d *uringDriver) Submit(tok api.Token, in *api.Interest) error {
	switch {
	case d.closed:
		return api.ErrDriverClosed
	case in.Op == api.OpTimer:
		return api.ErrUnsupportedOperation
	case uint64(tok)&udInternal != 0:
		return api.ErrInvalidArgument
	}
	if _, dup := d.ops[tok]; dup {
		return api.ErrInvalidArgument
	}
	if _, ok := d.handles[int(in.Handle)]; !ok && in.Op != api.OpClose {
		return api.ErrNotRegistered
	}
	sqe := d.getSqe(true)
	if sqe == nil {
		return api.ErrQueueFull
	}
	op := &uringOp{tok: tok, op: in.Op, fd: int(in.Handle)}
	sqe.Fd = int32(in.Handle)
	sqe.UserData = uint64(tok)

	switch in.Op {
	case api.OpRead, api.OpWrite:
		mem := in.Buffer.Bytes()
		sqe.Off = ^uint64(0) // current file position; ignored by sockets
		if in.Op == api.OpRead {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&mem[0])))
			sqe.Len = uint32(len(mem))
		} else if n := in.Buffer.Len() - in.Offset; n > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&mem[in.Offset])))
			sqe.Len = uint32(n)
		} else {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&mem[0])))
		}
		idx, fixed := d.fixedIndex(in.Buffer)
		switch {
		case fixed && in.Op == api.OpRead:
			sqe.Opcode, sqe.BufIndex = ioringOpReadFixed, idx
		case fixed:
			sqe.Opcode, sqe.BufIndex = ioringOpWriteFixed, idx
		case in.Op == api.OpRead:
			sqe.Opcode = ioringOpRead
		default:
			sqe.Opcode = ioringOpWrite
		}
	case api.OpAccept:
		sqe.Opcode = ioringOpAccept
		sqe.OpFlags = unix.SOCK_CLOEXEC
	case api.OpConnect:
		ptr, n, keep := rawSockaddr(in.Addr)
		sqe.Opcode = ioringOpConnect
		sqe.Addr = uint64(uintptr(ptr))
		sqe.Off = uint64(n)
		op.sa = keep
	case api.OpClose:
		sqe.Opcode = ioringOpClose
	}
	d.ops[tok] = op
	return nil
}

// Flush hands queued SQEs to the kernel and returns how many caller
// operations it consumed. Internal SQEs (wake, timeout, cancel) ride along
// but are not counted.
func (d *uringDriver) Flush() (int, error) {
	if d.closed {
		return 0, api.ErrDriverClosed
	}
	return d.enter(0, 0)
}

// enter submits pending SQEs, optionally waiting, and returns the number of
// caller operations the kernel consumed.
func (d *uringDriver) enter(minComplete uint32, flags uintptr) (int, error) {
	toSubmit := *d.sqTail - d.pushed
	if toSubmit == 0 && flags == 0 {
		return 0, nil
	}
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(d.fd), uintptr(toSubmit),
			uintptr(minComplete), flags, 0, 0)
		switch errno {
		case 0:
			user := 0
			for i := uint32(0); i < uint32(n); i++ {
				if d.sqUser[(d.pushed+i)&d.sqMask] {
					user++
				}
			}
			d.pushed += uint32(n)
			return user, nil
		case unix.EINTR:
			if minComplete > 0 {
				// Let the worker re-check its inbox and deadlines.
				d.interrupted = true
				return 0, nil
			}
			continue
		case unix.EAGAIN, unix.EBUSY:
			// CQ overflow backpressure: reap first, submit on the next pass.
			return 0, nil
		default:
			return 0, api.NewBackendError("io_uring_enter", errno)
		}
	}
}

func (d *uringDriver) Poll(timeout time.Duration, out []api.Completion) (int, error) {
	if d.closed {
		return 0, api.ErrDriverClosed
	}
	if !d.wakeArmed {
		d.armWake()
	}
	n := d.reap(out)
	if n == len(out) {
		_, err := d.enter(0, 0)
		return n, err
	}
	if n > 0 || timeout == 0 {
		// GETEVENTS with min_complete 0 runs deferred task work without waiting.
		if _, err := d.enter(0, ioringEnterGetevents); err != nil {
			return n, err
		}
		return n + d.reap(out[n:]), nil
	}
	if timeout > 0 {
		d.armTimeout(timeout)
	}
	d.woken, d.interrupted = false, false
	for {
		if _, err := d.enter(1, ioringEnterGetevents); err != nil {
			return 0, err
		}
		n = d.reap(out)
		switch {
		case n > 0, d.woken, d.interrupted:
			return n, nil
		case timeout > 0 && !d.timeoutArmed:
			return 0, nil
		}
		// Only stale internal CQEs (removed timeouts, cancel acks): keep waiting.
	}
}

func (d *uringDriver) reap(out []api.Completion) int {
	head := *d.cqHead
	tail := atomic.LoadUint32(d.cqTail)
	n := 0
	for head != tail && n < len(out) {
		cqe := d.cqes[head&d.cqMask]
		head++
		if cqe.UserData&udInternal != 0 {
			d.internal(cqe)
			continue
		}
		tok := api.Token(cqe.UserData)
		op, ok := d.ops[tok]
		if !ok {
			continue
		}
		delete(d.ops, tok)
		if op.op == api.OpClose {
			delete(d.handles, op.fd)
		}
		c := api.CompletionFromResult(tok, cqe.Res, cqe.Flags)
		c.Handle, c.Op = api.Handle(op.fd), op.op
		if cqe.Res < 0 {
			c.Err = nil
			failWith(&c, op.op.String(), unix.Errno(-cqe.Res))
		} else if op.op == api.OpAccept {
			c.Accepted, c.N = api.Handle(cqe.Res), 0
		}
		out[n] = c
		n++
	}
	atomic.StoreUint32(d.cqHead, head)
	return n
}

func (d *uringDriver) internal(cqe ioUringCqe) {
	switch cqe.UserData & udKindMask {
	case udWake:
		d.woken = true
		d.wakeArmed = false
		d.armWake()
	case udTimeout:
		if cqe.UserData&^udKindMask == d.timeoutSeq {
			d.timeoutArmed = false
		}
	}
}

// armWake keeps one READ of the eventfd in flight so Wake interrupts a wait.
func (d *uringDriver) armWake() {
	if d.efd < 0 || d.wakeArmed {
		return
	}
	sqe := d.getSqe(false)
	if sqe == nil {
		return
	}
	sqe.Opcode = ioringOpRead
	sqe.Fd = int32(d.efd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&d.wakeBuf[0])))
	sqe.Len = uint32(len(d.wakeBuf))
	sqe.UserData = udWake
	d.wakeArmed = true
}

func (d *uringDriver) armTimeout(timeout time.Duration) {
	if d.timeoutArmed {
		if sqe := d.getSqe(false); sqe != nil {
			sqe.Opcode = ioringOpTimeoutRemove
			sqe.Fd = -1
			sqe.Addr = udTimeout | d.timeoutSeq
			sqe.UserData = udTimeoutRemove
		}
	}
	sqe := d.getSqe(false)
	if sqe == nil {
		// SQ full of unsubmitted entries: push them and retry once.
		if _, err := d.enter(0, 0); err != nil {
			return
		}
		if sqe = d.getSqe(false); sqe == nil {
			return
		}
	}
	d.timeoutSeq = (d.timeoutSeq + 1) & 0x00ffffffffffffff
	d.ts = kernelTimespec{Sec: int64(timeout / time.Second), Nsec: int64(timeout % time.Second)}
	sqe.Opcode = ioringOpTimeout
	sqe.Fd = -1
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&d.ts)))
	sqe.Len = 1
	sqe.UserData = udTimeout | d.timeoutSeq
	d.timeoutArmed = true
}

// Cancel queues an ASYNC_CANCEL. The target still completes exactly once,
// with -ECANCELED or its own result if it won the race.
func (d *uringDriver) Cancel(tok api.Token) error {
	if _, ok := d.ops[tok]; !ok {
		return nil
	}
	sqe := d.getSqe(false)
	if sqe == nil {
		return api.ErrQueueFull
	}
	sqe.Opcode = ioringOpAsyncCancel
	sqe.Fd = -1
	sqe.Addr = uint64(tok)
	sqe.UserData = udCancel
	return nil
}

func (d *uringDriver) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(d.efd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (d *uringDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	for _, m := range [][]byte{d.sqesMap, d.cqRing, d.sqRing} {
		if m != nil {
			_ = unix.Munmap(m)
		}
	}
	d.sqesMap, d.cqRing, d.sqRing = nil, nil, nil
	if d.efd >= 0 {
		unix.Close(d.efd)
	}
	return unix.Close(d.fd)
}

// rawSockaddr builds the kernel sockaddr for CONNECT. The returned value must
// stay reachable until the operation completes.
func rawSockaddr(ap netip.AddrPort) (unsafe.Pointer, uint32, any) {
	port := ap.Port()
	addr := ap.Addr()
	if addr.Is4() {
		sa := &unix.RawSockaddrInet4{Family: unix.AF_INET, Addr: addr.As4()}
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		p[0], p[1] = byte(port>>8), byte(port)
		return unsafe.Pointer(sa), unix.SizeofSockaddrInet4, sa
	}
	sa := &unix.RawSockaddrInet6{Family: unix.AF_INET6, Addr: addr.As16()}
	p := (*[2]byte)(unsafe.Pointer(&sa.Port))
	p[0], p[1] = byte(port>>8), byte(port)
	if zone := addr.Zone(); zone != "" {
		if ifi, err := interfaceIndex(zone); err == nil {
			sa.Scope_id = uint32(ifi)
		}
	}
	return unsafe.Pointer(sa), unix.SizeofSockaddrInet6, sa
}

// probeIoUring opens and closes a tiny ring.
func probeIoUring() error {
	var params ioUringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, 2, uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return api.NewBackendError("io_uring_setup", errno)
	}
	return unix.Close(int(fd))
}
