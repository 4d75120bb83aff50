//go:build !linux

package concurrency

// physicalCoreCPUs has no portable source outside Linux; logical CPUs are used.
func physicalCoreCPUs() []int { return nil }
