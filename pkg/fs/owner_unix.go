//go:build unix

package fs

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func fileOwner(info os.FileInfo) *Owner {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	return &Owner{UID: int(st.Uid), GID: int(st.Gid)}
}

// chownErrOK reports errors that mean "ownership cannot be changed here":
// unsupported (ENOSYS), or not permitted for a non-root user (EINVAL, EPERM).
func chownErrOK(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EPERM)
}
