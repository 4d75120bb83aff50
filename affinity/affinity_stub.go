//go:build !linux && !windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms (macOS and the BSDs only
// accept scheduler hints). Workers stay locked to their OS thread anyway.

package affinity

const supported = false

func setAffinityPlatform(int) error { return ErrUnsupported }

// Current is not available here.
func Current() ([]int, error) { return nil, ErrUnsupported }
