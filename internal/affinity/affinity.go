// Package affinity pins the calling OS thread to a CPU.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin restricts the calling thread to one CPU chosen by index among the
// CPUs the process may run on. The caller must hold runtime.LockOSThread,
// otherwise the goroutine may move to an unpinned thread.
func Pin(index int) (int, error) {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return -1, fmt.Errorf("sched_getaffinity: %w", err)
	}
	cpus := allowedCPUs(&allowed)
	if len(cpus) == 0 {
		return -1, fmt.Errorf("no usable CPUs")
	}
	cpu := cpus[index%len(cpus)]

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return -1, fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return cpu, nil
}

// Available returns how many CPUs the process may run on.
func Available() int {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return runtime.NumCPU()
	}
	return allowed.Count()
}

// maxCPUs is CPU_SETSIZE
const maxCPUs = 1024

func allowedCPUs(set *unix.CPUSet) []int {
	var cpus []int
	for cpu := 0; cpu < maxCPUs && len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}
