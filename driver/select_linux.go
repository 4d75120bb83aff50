//go:build linux

package driver

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/api"
)

var platformOrder = []api.BackendKind{api.BackendIoUring, api.BackendEpoll}

func probe(k api.BackendKind) error {
	switch k {
	case api.BackendIoUring:
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			return err
		}
		if !KernelSupportsIoUring(unix.ByteSliceToString(uts.Release[:])) {
			return api.ErrBackendUnavailable
		}
		// Seccomp profiles and io_uring_disabled sysctl block setup on new kernels too.
		return probeIoUring()
	case api.BackendEpoll:
		return nil
	}
	return api.ErrBackendUnavailable
}

func open(k api.BackendKind, opts Options) (api.Driver, error) {
	if k == api.BackendIoUring {
		return newIoUringDriver(opts)
	}
	return newEpollDriver(opts)
}
