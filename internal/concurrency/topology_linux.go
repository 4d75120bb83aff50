//go:build linux

// File: internal/concurrency/topology_linux.go
// Author: momentics <momentics@gmail.com>
//
// Physical core discovery from sysfs, restricted to the process affinity mask.

package concurrency

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sysCPU = "/sys/devices/system/cpu"

type coreID struct {
	pkg, core int
}

// physicalCoreCPUs returns the first allowed logical CPU of each physical core.
func physicalCoreCPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	seen := make(map[coreID]bool)
	var out []int
	for cpu := 0; cpu < len(set)*64; cpu++ {
		if !set.IsSet(cpu) {
			continue
		}
		pkg, err1 := readTopo(cpu, "physical_package_id")
		core, err2 := readTopo(cpu, "core_id")
		if err1 != nil || err2 != nil {
			// No topology (containers, some VMs): treat as its own core.
			out = append(out, cpu)
			continue
		}
		id := coreID{pkg, core}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, cpu)
	}
	return out
}

func readTopo(cpu int, name string) (int, error) {
	raw, err := os.ReadFile(fmt.Sprintf("%s/cpu%d/topology/%s", sysCPU, cpu, name))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}
