// File: internal/transport/transport_unix.go
//go:build unix

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unix sockets. Sockets are nonblocking and close-on-exec with TCP_NODELAY
// set; readiness drivers depend on the former.

package transport

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

func socket(v4 bool) (api.Handle, error) {
	family := unix.AF_INET6
	if v4 {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return api.Handle(fd), nil
}

func listen(ap netip.AddrPort, backlog int) (api.Handle, error) {
	h, err := socket(ap.Addr().Is4())
	if err != nil {
		return 0, err
	}
	fd := int(h)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, toSockaddr(ap)); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	return h, nil
}

func closeHandle(h api.Handle) error { return unix.Close(int(h)) }

func localAddr(h api.Handle) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func remoteAddr(h api.Handle) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(int(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
