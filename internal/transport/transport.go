// Package transport
// Author: momentics <momentics@gmail.com>
//
// Platform-independent entry points. The per-OS files supply listen, socket,
// closeHandle, localAddr and remoteAddr.

package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/momentics/hioload-hbtp/api"
)

// DefaultBacklog is used when Listen is given a non-positive backlog.
const DefaultBacklog = 1024

// ResolveAddr turns "host:port" into an address. An empty host listens on
// all IPv4 interfaces.
func ResolveAddr(addr string) (netip.AddrPort, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	ap := ta.AddrPort()
	if !ap.Addr().IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// Listen opens a listening TCP socket ready for OpAccept and returns the
// bound address (useful with port 0).
func Listen(addr string, backlog int) (api.Handle, netip.AddrPort, error) {
	ap, err := ResolveAddr(addr)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	h, err := listen(ap, backlog)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("transport: listen %s: %w", ap, err)
	}
	bound, err := localAddr(h)
	if err != nil {
		_ = closeHandle(h)
		return 0, netip.AddrPort{}, fmt.Errorf("transport: listen %s: %w", ap, err)
	}
	return h, bound, nil
}

// Socket creates an unconnected TCP socket in the family of remote, ready
// for OpConnect.
func Socket(remote netip.AddrPort) (api.Handle, error) {
	if !remote.IsValid() {
		return 0, api.ErrInvalidArgument
	}
	h, err := socket(remote.Addr().Unmap().Is4())
	if err != nil {
		return 0, fmt.Errorf("transport: socket: %w", err)
	}
	return h, nil
}

// Close closes a socket that was never submitted to the reactor, or whose
// OpClose could not be submitted.
func Close(h api.Handle) error { return closeHandle(h) }

// LocalAddr reports the bound address of h.
func LocalAddr(h api.Handle) (netip.AddrPort, error) { return localAddr(h) }

// RemoteAddr reports the peer of a connected h.
func RemoteAddr(h api.Handle) (netip.AddrPort, error) { return remoteAddr(h) }
