//go:build linux

package cpucount

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// probe reads the scheduler affinity mask, which reflects cpusets and
// taskset restrictions that runtime.NumCPU may predate.
func probe() (int, error) {
	var set unix.CPUSet

	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, fmt.Errorf("sched_getaffinity: %w", err)
	}

	return set.Count(), nil
}
