//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package driver - Linux epoll notifier for the readiness engine.

package driver

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

type epollNotifier struct {
	epfd int
	efd  int // eventfd used by Wake
	evs  []unix.EpollEvent
}

// newEpollDriver creates an epoll-backed driver.
func newEpollDriver(opts Options) (api.Driver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	n := &epollNotifier{epfd: epfd, efd: efd, evs: make([]unix.EpollEvent, opts.PollBatch)}
	return newReadiness(api.BackendEpoll, n, opts), nil
}

// add registers fd disarmed; arm enables it one-shot.
func (e *epollNotifier) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (e *epollNotifier) arm(fd int, dirs api.Direction) error {
	ev := unix.EpollEvent{Events: unix.EPOLLONESHOT | unix.EPOLLRDHUP, Fd: int32(fd)}
	if dirs&api.DirInbound != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if dirs&api.DirOutbound != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (e *epollNotifier) remove(fd int) error {
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (e *epollNotifier) wait(timeout time.Duration, limit int, fn func(int, api.Direction)) error {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	if limit > len(e.evs) {
		e.evs = make([]unix.EpollEvent, limit)
	}
	n, err := unix.EpollWait(e.epfd, e.evs[:limit], ms)
	if err != nil {
		return err
	}
	for _, ev := range e.evs[:n] {
		fd := int(ev.Fd)
		if fd == e.efd {
			var buf [8]byte
			_, _ = unix.Read(e.efd, buf[:])
			continue
		}
		var dirs api.Direction
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			dirs |= api.DirInbound
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			dirs |= api.DirOutbound
		}
		fn(fd, dirs)
	}
	return nil
}

func (e *epollNotifier) wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.efd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (e *epollNotifier) close() error {
	unix.Close(e.efd)
	return unix.Close(e.epfd)
}
