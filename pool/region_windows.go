//go:build windows

// File: pool/region_windows.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// VirtualAlloc'd region for the arena; committed pages are page aligned and
// stay valid for overlapped I/O until the arena is closed.

package pool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func allocRegion(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("pool: VirtualAlloc %d bytes: %w", size, err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func freeRegion(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
