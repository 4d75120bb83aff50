//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd || windows)

// Package pool
// Author: momentics <momentics@gmail.com>

package pool

import (
	"os"
	"unsafe"
)

// allocRegion over-allocates on the Go heap and trims to a page boundary.
func allocRegion(size int) ([]byte, error) {
	page := os.Getpagesize()
	raw := make([]byte, size+page)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(page)); rem != 0 {
		off = page - rem
	}
	return raw[off : off+size : off+size], nil
}

func freeRegion([]byte) error { return nil }
