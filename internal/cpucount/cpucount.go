// Package cpucount reports how many CPUs the process may run on.
package cpucount

import (
	"errors"
	"io/fs"
	"runtime"
)

// Count returns the usable CPU count, at least 1. When the platform refuses
// to answer for lack of permission the count is 1.
func Count() int {
	return resolve(probe)
}

func resolve(p func() (int, error)) int {
	n, err := p()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return 1
		}

		n = runtime.NumCPU()
	}

	return max(n, 1)
}
