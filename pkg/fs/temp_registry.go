package fs

import (
	"errors"
	"sync"
)

// TempRegistry tracks temp files that are live while an [AtomicWriter] call
// is in flight, so a shutdown path can remove them.
//
// Every write removes its own temp file on return; the registry only matters
// when the process is torn down mid-write (signal handler, fatal error).
type TempRegistry struct {
	mu    sync.Mutex
	files map[string]func() error
}

// DefaultTempRegistry is the process-wide registry used by writers
// constructed without [WithTempRegistry].
var DefaultTempRegistry = NewTempRegistry()

// NewTempRegistry returns an empty registry.
func NewTempRegistry() *TempRegistry {
	return &TempRegistry{files: make(map[string]func() error)}
}

func (r *TempRegistry) track(path string, remove func() error) (untrack func()) {
	r.mu.Lock()
	r.files[path] = remove
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.files, path)
		r.mu.Unlock()
	}
}

// Live returns the paths of temp files currently tracked.
func (r *TempRegistry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.files))
	for path := range r.files {
		paths = append(paths, path)
	}

	return paths
}

// Cleanup removes every tracked temp file, best effort, and forgets them.
func (r *TempRegistry) Cleanup() error {
	r.mu.Lock()
	files := r.files
	r.files = make(map[string]func() error)
	r.mu.Unlock()

	var errs []error

	for _, remove := range files {
		if err := remove(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
