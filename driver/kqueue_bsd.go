//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// File: driver/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// kqueue notifier for the readiness engine. Filter changes are batched in a
// changelist and handed to the kernel with the next kevent wait, so a Poll
// always leaves the changelist empty.

package driver

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

type kqueueNotifier struct {
	kq      int
	pipe    [2]int // self-pipe used by Wake
	changes []unix.Kevent_t
	evs     []unix.Kevent_t
}

// kqueueDriver exposes the changelist length for diagnostics.
type kqueueDriver struct {
	*readiness
	kn *kqueueNotifier
}

// PendingChanges is the number of filter changes not yet handed to the kernel.
func (d *kqueueDriver) PendingChanges() int { return len(d.kn.changes) }

func newKqueueDriver(opts Options) (api.Driver, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	kn := &kqueueNotifier{kq: kq, evs: make([]unix.Kevent_t, opts.PollBatch)}
	if err := unix.Pipe(kn.pipe[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kqueue wake pipe: %w", err)
	}
	for _, fd := range kn.pipe {
		unix.CloseOnExec(fd)
		_ = unix.SetNonblock(fd, true)
	}
	var ev [1]unix.Kevent_t
	unix.SetKevent(&ev[0], kn.pipe[0], unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(kq, ev[:], nil, nil); err != nil {
		kn.close()
		return nil, fmt.Errorf("kqueue register wake pipe: %w", err)
	}
	return &kqueueDriver{readiness: newReadiness(api.BackendKqueue, kn, opts), kn: kn}, nil
}

// add is a no-op: kqueue filters are created by the first arm.
func (k *kqueueNotifier) add(int) error { return nil }

func (k *kqueueNotifier) arm(fd int, dirs api.Direction) error {
	if dirs&api.DirInbound != 0 {
		k.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT)
	}
	if dirs&api.DirOutbound != 0 {
		k.change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ONESHOT)
	}
	return nil
}

// remove drops queued changes for fd. Armed filters are one-shot and vanish
// when the descriptor is closed; a late event for an unknown fd is ignored.
func (k *kqueueNotifier) remove(fd int) error {
	kept := k.changes[:0]
	for _, ev := range k.changes {
		if int(ev.Ident) != fd {
			kept = append(kept, ev)
		}
	}
	k.changes = kept
	return nil
}

func (k *kqueueNotifier) change(fd, filter, flags int) {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, filter, flags)
	k.changes = append(k.changes, ev)
}

func (k *kqueueNotifier) wait(timeout time.Duration, limit int, fn func(int, api.Direction)) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	// Leave room for EV_ERROR receipts of the changelist.
	size := limit + len(k.changes)
	if size > len(k.evs) {
		k.evs = make([]unix.Kevent_t, size)
	}
	n, err := unix.Kevent(k.kq, k.changes, k.evs[:size], ts)
	// Changes are applied before the wait starts, even when it is interrupted.
	k.changes = k.changes[:0]
	if err != nil {
		return err
	}
	for _, ev := range k.evs[:n] {
		fd := int(ev.Ident)
		if ev.Flags&unix.EV_ERROR != 0 {
			// A filter on a descriptor closed before the changelist was applied.
			continue
		}
		if fd == k.pipe[0] {
			var buf [64]byte
			for {
				if m, _ := unix.Read(fd, buf[:]); m <= 0 {
					break
				}
			}
			continue
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			fn(fd, api.DirInbound)
		case unix.EVFILT_WRITE:
			fn(fd, api.DirOutbound)
		}
	}
	return nil
}

func (k *kqueueNotifier) wake() error {
	_, err := unix.Write(k.pipe[1], []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (k *kqueueNotifier) close() error {
	unix.Close(k.pipe[0])
	unix.Close(k.pipe[1])
	return unix.Close(k.kq)
}
