// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.
//
// Callers must hold runtime.LockOSThread for the pin to stay with the goroutine.

package affinity

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned where the platform offers no explicit affinity.
var ErrUnsupported = errors.New("affinity: not supported on this platform")

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns ErrUnsupported; callers treat that as best effort.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: invalid cpu %d", cpuID)
	}
	return setAffinityPlatform(cpuID)
}

// Supported reports whether SetAffinity can succeed on this platform.
func Supported() bool { return supported }
