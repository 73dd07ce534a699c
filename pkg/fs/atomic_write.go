package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/calvinalkan/gonyc/pkg/digest"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced after rename.
//
// When returned, the new file is in place but durability is not guaranteed.
// Callers can detect this with errors.Is(err, ErrAtomicWriteDirSync).
var ErrAtomicWriteDirSync = errors.New("dir sync")

// Owner is a numeric file owner.
type Owner struct {
	UID int
	GID int
}

// AtomicWriter replaces files atomically using a same-directory temp file and
// rename.
//
// At every moment the target shows either its previous content or the complete
// new content. Writers sharing a [WriteQueue] are serialised per resolved
// absolute path.
type AtomicWriter struct {
	fs    FS
	queue *WriteQueue
	temps *TempRegistry
}

// WriterOption configures an [AtomicWriter].
type WriterOption func(*AtomicWriter)

// WithWriteQueue makes the writer serialise through queue.
func WithWriteQueue(queue *WriteQueue) WriterOption {
	return func(w *AtomicWriter) { w.queue = queue }
}

// WithTempRegistry makes the writer track live temp files in temps.
func WithTempRegistry(temps *TempRegistry) WriterOption {
	return func(w *AtomicWriter) { w.temps = temps }
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Without options the writer uses [DefaultWriteQueue] and [DefaultTempRegistry].
// Panics if fs is nil.
func NewAtomicWriter(fs FS, opts ...WriterOption) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	w := &AtomicWriter{fs: fs}
	for _, opt := range opts {
		opt(w)
	}

	if w.queue == nil {
		w.queue = DefaultWriteQueue
	}

	if w.temps == nil {
		w.temps = DefaultTempRegistry
	}

	return w
}

// AtomicWriteOptions configures Write behavior.
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	SyncDir bool

	// Perm is applied to the new file. Zero copies the mode of the existing
	// target, or creates with 0666 (before umask) when there is none.
	Perm os.FileMode

	// Chown is applied to the new file. Nil copies the owner of the existing
	// target. Failures that mean "not supported" or "not permitted" are
	// ignored.
	Chown *Owner
}

// DefaultOptions returns the default atomic write options.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true}
}

// WriteBytes writes data to path atomically using opts.
func (w *AtomicWriter) WriteBytes(path string, data []byte, opts AtomicWriteOptions) error {
	return w.Write(path, bytes.NewReader(data), opts)
}

// Write writes data from reader to path atomically and durably.
//
// The sequence is: wait for the path's queue slot, resolve symlinks, create an
// exclusive temp file next to the target, write and fsync it, apply owner and
// mode, rename it over the target, then sync the parent directory when
// opts.SyncDir is set. Any failure before the rename removes the temp file.
func (w *AtomicWriter) Write(path string, reader io.Reader, opts AtomicWriteOptions) error {
	if reader == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	release := w.queue.Acquire(absPath)
	defer release()

	target := absPath
	if resolved, evalErr := w.fs.EvalSymlinks(absPath); evalErr == nil {
		target = resolved
	}

	dir, base := filepath.Split(target)
	if base == "" || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	dir = filepath.Clean(dir)
	perm, owner := w.inheritAttrs(target, opts)

	createPerm := perm
	if createPerm == 0 {
		createPerm = 0o666
	}

	tmpFile, tmpPath, err := createTempFile(w.fs, dir, base, createPerm)
	if err != nil {
		return err
	}

	untrack := w.temps.track(tmpPath, func() error { return removeTempFile(w.fs, tmpPath) })
	defer untrack()

	closed := false
	cleanup := func() error {
		var closeErr error
		if !closed {
			closeErr = closeTmpFile(tmpPath, tmpFile)
		}

		return errors.Join(closeErr, removeTempFile(w.fs, tmpPath))
	}

	writeErr := writeAndSyncTempFile(tmpFile, tmpPath, reader)
	if writeErr != nil {
		return errors.Join(writeErr, cleanup())
	}

	closed = true

	closeErr := closeTmpFile(tmpPath, tmpFile)
	if closeErr != nil {
		return errors.Join(closeErr, cleanup())
	}

	attrErr := w.applyAttrs(tmpPath, perm, owner)
	if attrErr != nil {
		return errors.Join(attrErr, cleanup())
	}

	renameErr := w.fs.Rename(tmpPath, target)
	if renameErr != nil {
		return errors.Join(fmt.Errorf("rename: %w", renameErr), cleanup())
	}

	if opts.SyncDir {
		return fsyncDir(w.fs, dir)
	}

	return nil
}

// inheritAttrs fills unset mode and owner from the existing target.
func (w *AtomicWriter) inheritAttrs(target string, opts AtomicWriteOptions) (os.FileMode, *Owner) {
	perm, owner := opts.Perm, opts.Chown
	if perm != 0 && owner != nil {
		return perm, owner
	}

	info, err := w.fs.Stat(target)
	if err != nil {
		return perm, owner
	}

	if perm == 0 {
		perm = info.Mode().Perm()
	}

	if owner == nil {
		owner = fileOwner(info)
	}

	return perm, owner
}

func (w *AtomicWriter) applyAttrs(tmpPath string, perm os.FileMode, owner *Owner) error {
	if owner != nil {
		err := w.fs.Chown(tmpPath, owner.UID, owner.GID)
		if err != nil && !chownErrOK(err) {
			return fmt.Errorf("chown temp file %q: %w", tmpPath, err)
		}
	}

	if perm != 0 {
		err := w.fs.Chmod(tmpPath, perm)
		if err != nil && !chownErrOK(err) {
			return fmt.Errorf("chmod temp file %q: %w", tmpPath, err)
		}
	}

	return nil
}

func writeAndSyncTempFile(file File, path string, r io.Reader) error {
	_, copyErr := io.Copy(file, r)
	if copyErr != nil {
		return fmt.Errorf("write temp file %q: %w", path, copyErr)
	}

	err := file.Sync()
	if err != nil {
		return fmt.Errorf("sync temp file %q: %w", path, err)
	}

	return nil
}

const atomicWriteMaxAttempts = 10000

var (
	tempCounter atomic.Uint64
	processID   = strconv.Itoa(os.Getpid())
)

// tempName disambiguates temp files across processes (pid) and calls (seq).
func tempName(target string) string {
	seq := tempCounter.Add(1)

	sum, err := digest.SumStrings(digest.Highway64, digest.Hex, processID, ":", strconv.FormatUint(seq, 10))
	if err != nil {
		// Highway64 with a fixed key cannot fail; keep names unique regardless.
		sum = processID + "-" + strconv.FormatUint(seq, 10)
	}

	return target + "." + sum
}

func createTempFile(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	target := filepath.Join(dir, base)

	for range atomicWriteMaxAttempts {
		path := tempName(target)

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func fsyncDir(fs FS, dirPath string) error {
	dirFd, err := fs.Open(dirPath)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dirPath, err))
	}

	syncErr := dirFd.Sync()
	closeErr := dirFd.Close()

	if syncErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dirPath, syncErr), closeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", dirPath, closeErr)
	}

	return nil
}

func closeTmpFile(path string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close temp file %q: %w", path, err)
}

func removeTempFile(fs FS, path string) error {
	err := fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
