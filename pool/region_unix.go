//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// Package pool
// Author: momentics <momentics@gmail.com>
//
// Anonymous private mapping backing the arena on Unix.

package pool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocRegion(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pool: mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func freeRegion(mem []byte) error {
	return unix.Munmap(mem)
}
