package fs

import (
	"errors"
	"os"
	"sync"
)

// Op names an [FS] or [File] operation that [Faulty] can intercept.
type Op string

// Interceptable operations.
const (
	OpOpen      Op = "open"
	OpOpenFile  Op = "openfile"
	OpReadFile  Op = "readfile"
	OpMkdirAll  Op = "mkdirall"
	OpStat      Op = "stat"
	OpChmod     Op = "chmod"
	OpChown     Op = "chown"
	OpRemove    Op = "remove"
	OpRename    Op = "rename"
	OpFileWrite Op = "write"
	OpFileSync  Op = "sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Faulty wraps an [FS] and fails selected operations deterministically.
//
// Unlike a random fault injector, every failure is armed explicitly with
// [Faulty.FailNext] or [Faulty.FailAlways], so tests can place a fault at an
// exact step (for example: temp file fully written, rename never happens).
// Injected errors are [*os.PathError] values wrapping the armed error.
type Faulty struct {
	fs FS

	mu    sync.Mutex
	rules map[Op]*faultRule
	calls map[Op]int
	hook  func(op Op, path string)
}

type faultRule struct {
	remaining int // <0 means always
	err       error
}

// NewFaulty wraps underlying. Panics if underlying is nil.
func NewFaulty(underlying FS) *Faulty {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Faulty{
		fs:    underlying,
		rules: make(map[Op]*faultRule),
		calls: make(map[Op]int),
	}
}

// FailNext makes the next n calls of op fail with err (ErrInjected if nil).
func (f *Faulty) FailNext(op Op, n int, err error) {
	f.arm(op, n, err)
}

// FailAlways makes every call of op fail with err (ErrInjected if nil).
func (f *Faulty) FailAlways(op Op, err error) {
	f.arm(op, -1, err)
}

// Heal disarms all faults.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = make(map[Op]*faultRule)
}

// SetHook installs a callback invoked before every intercepted operation.
// The hook runs outside Faulty's lock and may block.
func (f *Faulty) SetHook(hook func(op Op, path string)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hook = hook
}

// Calls reports how many times op was invoked, including failed calls.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

func (f *Faulty) arm(op Op, n int, err error) {
	if err == nil {
		err = ErrInjected
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules[op] = &faultRule{remaining: n, err: err}
}

// intercept records the call and returns the injected error, if any.
func (f *Faulty) intercept(op Op, path string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hook

	var injected error

	if rule, ok := f.rules[op]; ok && rule.remaining != 0 {
		injected = rule.err
		if rule.remaining > 0 {
			rule.remaining--
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(op, path)
	}

	if injected == nil {
		return nil
	}

	return &os.PathError{Op: string(op), Path: path, Err: injected}
}

// Open intercepts [OpOpen].
func (f *Faulty) Open(path string) (File, error) {
	if err := f.intercept(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

// OpenFile intercepts [OpOpenFile].
func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.intercept(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

// ReadFile intercepts [OpReadFile].
func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.intercept(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

// MkdirAll intercepts [OpMkdirAll].
func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.intercept(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

// Stat intercepts [OpStat].
func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.intercept(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

// EvalSymlinks is never faulted.
func (f *Faulty) EvalSymlinks(path string) (string, error) {
	return f.fs.EvalSymlinks(path)
}

// Chmod intercepts [OpChmod].
func (f *Faulty) Chmod(path string, mode os.FileMode) error {
	if err := f.intercept(OpChmod, path); err != nil {
		return err
	}

	return f.fs.Chmod(path, mode)
}

// Chown intercepts [OpChown].
func (f *Faulty) Chown(path string, uid, gid int) error {
	if err := f.intercept(OpChown, path); err != nil {
		return err
	}

	return f.fs.Chown(path, uid, gid)
}

// Remove intercepts [OpRemove].
func (f *Faulty) Remove(path string) error {
	if err := f.intercept(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

// Rename intercepts [OpRename]. The reported path is newpath.
func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.intercept(OpRename, newpath); err != nil {
		return err
	}

	return f.fs.Rename(oldpath, newpath)
}

type faultyFile struct {
	File

	owner *Faulty
	path  string
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.owner.intercept(OpFileWrite, ff.path); err != nil {
		// Simulate a torn write: half the bytes land before the failure.
		n, _ := ff.File.Write(p[:len(p)/2])

		return n, err
	}

	return ff.File.Write(p)
}

func (ff *faultyFile) Sync() error {
	if err := ff.owner.intercept(OpFileSync, ff.path); err != nil {
		return err
	}

	return ff.File.Sync()
}

var _ FS = (*Faulty)(nil)
