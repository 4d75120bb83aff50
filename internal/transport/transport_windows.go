//go:build windows
// +build windows

// Package transport
// Author: momentics <momentics@gmail.com>
//
// Windows sockets, created overlapped so the IOCP driver can associate them.

package transport

import (
	"net/netip"

	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-hbtp/api"
)

func socket(v4 bool) (api.Handle, error) {
	family := int32(windows.AF_INET6)
	if v4 {
		family = windows.AF_INET
	}
	s, err := windows.WSASocket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP, nil, 0, windows.WSA_FLAG_OVERLAPPED|windows.WSA_FLAG_NO_HANDLE_INHERIT)
	if err != nil {
		return 0, err
	}
	_ = windows.SetsockoptInt(s, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
	return api.Handle(s), nil
}

func listen(ap netip.AddrPort, backlog int) (api.Handle, error) {
	h, err := socket(ap.Addr().Is4())
	if err != nil {
		return 0, err
	}
	s := windows.Handle(h)
	if err := windows.Bind(s, toSockaddr(ap)); err != nil {
		_ = windows.Closesocket(s)
		return 0, err
	}
	if err := windows.Listen(s, backlog); err != nil {
		_ = windows.Closesocket(s)
		return 0, err
	}
	return h, nil
}

func closeHandle(h api.Handle) error { return windows.Closesocket(windows.Handle(h)) }

func localAddr(h api.Handle) (netip.AddrPort, error) {
	sa, err := windows.Getsockname(windows.Handle(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func remoteAddr(h api.Handle) (netip.AddrPort, error) {
	sa, err := windows.Getpeername(windows.Handle(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func toSockaddr(ap netip.AddrPort) windows.Sockaddr {
	if ap.Addr().Is4() {
		return &windows.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &windows.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa windows.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *windows.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
