// File: driver/kernel.go
// Author: momentics <momentics@gmail.com>
//
// Kernel release gate for io_uring.

package driver

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MinIoUringKernel is the first release with every opcode the io_uring driver
// issues (ACCEPT, CONNECT, CLOSE, ASYNC_CANCEL and READ/WRITE at the current
// file position).
const MinIoUringKernel = "5.6"

var minIoUringVersion = semver.MustParse(MinIoUringKernel)

// ParseKernelRelease reads the numeric prefix of a uname release string such
// as "5.15.0-91-generic", "6.1.55+" or "4.19.112-microsoft-standard".
func ParseKernelRelease(release string) (*semver.Version, error) {
	end := 0
	dots := 0
	for end < len(release) {
		c := release[end]
		if c == '.' {
			if dots == 2 {
				break
			}
			dots++
		} else if c < '0' || c > '9' {
			break
		}
		end++
	}
	prefix := release[:end]
	if n := len(prefix); n > 0 && prefix[n-1] == '.' {
		prefix = prefix[:n-1]
	}
	v, err := semver.NewVersion(prefix)
	if err != nil {
		return nil, fmt.Errorf("driver: kernel release %q: %w", release, err)
	}
	return v, nil
}

// KernelSupportsIoUring reports whether release is new enough for the io_uring
// driver. io_uring itself exists since 5.1, but ACCEPT, CONNECT and CLOSE only
// arrived in 5.5/5.6, so older kernels fall back to epoll.
func KernelSupportsIoUring(release string) bool {
	v, err := ParseKernelRelease(release)
	if err != nil {
		return false
	}
	return !v.LessThan(minIoUringVersion)
}
