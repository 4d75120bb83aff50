// File: internal/concurrency/topology.go
// Author: momentics <momentics@gmail.com>
//
// CPU placement for thread-per-core workers.

package concurrency

import "runtime"

// WorkerCPUs returns the logical CPUs to pin workers to, one per physical core
// where the platform exposes topology, capped by GOMAXPROCS.
func WorkerCPUs() []int {
	cpus := physicalCoreCPUs()
	if len(cpus) == 0 {
		cpus = make([]int, runtime.NumCPU())
		for i := range cpus {
			cpus[i] = i
		}
	}
	if limit := runtime.GOMAXPROCS(0); len(cpus) > limit {
		cpus = cpus[:limit]
	}
	return cpus
}

// PhysicalCores is the default worker count.
func PhysicalCores() int {
	n := len(WorkerCPUs())
	if n < 1 {
		return 1
	}
	return n
}
