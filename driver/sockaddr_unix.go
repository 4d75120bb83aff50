//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package driver

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// toSockaddr converts a connect target. IPv4-mapped IPv6 addresses stay IPv6.
func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := interfaceIndex(zone); err == nil {
			sa.ZoneId = uint32(ifi)
		}
	}
	return sa
}

func interfaceIndex(zone string) (int, error) {
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}
