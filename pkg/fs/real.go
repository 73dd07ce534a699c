package fs

import (
	"os"
	"path/filepath"
)

// Real implements [FS] using the real filesystem.
//
// All methods are passthroughs to [os] and [filepath].
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// Open is a passthrough wrapper for [os.Open].
func (*Real) Open(path string) (File, error) {
	return os.Open(path)
}

// OpenFile is a passthrough wrapper for [os.OpenFile].
func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// ReadFile is a passthrough wrapper for [os.ReadFile].
func (*Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// MkdirAll is a passthrough wrapper for [os.MkdirAll].
func (*Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Stat is a passthrough wrapper for [os.Stat].
func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// EvalSymlinks is a passthrough wrapper for [filepath.EvalSymlinks].
func (*Real) EvalSymlinks(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// Chmod is a passthrough wrapper for [os.Chmod].
func (*Real) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// Chown is a passthrough wrapper for [os.Chown].
func (*Real) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

// Remove is a passthrough wrapper for [os.Remove].
func (*Real) Remove(path string) error {
	return os.Remove(path)
}

// Rename is a passthrough wrapper for [os.Rename].
func (*Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

var _ FS = (*Real)(nil)
