// Package fs provides the filesystem seam used by the cache and the atomic
// writer, so tests can inject faults.
//
// The main types are:
//   - [FS]: filesystem operations needed by the writer and caches
//   - [File]: open file handle (satisfied by [os.File])
//   - [Real]: production implementation using [os]
//   - [Faulty]: test implementation with deterministic fault injection
//   - [AtomicWriter]: crash-safe, per-path serialised file replacement
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file.
//
// Implementations must behave like [os.File] and be safe for concurrent use.
type File interface {
	io.ReadWriteCloser

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations the cache layer depends on.
//
// Paths use OS semantics (like the os package and path/filepath).
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file or directory for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info, following symlinks. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// EvalSymlinks resolves symlinks in path. See [filepath.EvalSymlinks].
	EvalSymlinks(path string) (string, error)

	// Chmod changes the mode of a path. See [os.Chmod].
	Chmod(path string, mode os.FileMode) error

	// Chown changes the numeric owner of a path. See [os.Chown].
	Chown(path string, uid, gid int) error

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename moves a file. Atomic on the same filesystem. See [os.Rename].
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
