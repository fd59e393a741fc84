package fuse

import (
	"context"
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dongsupark/seafile-fuse-client/pkg/core"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
)

var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	// A failed commit may wrap the cause, such as ErrNotFound for a path
	// that vanished remotely; the writer still sees an I/O error.
	{remote.ErrCommitFailed, unix.EIO},
	{remote.ErrInvalidName, unix.EINVAL},
	{remote.ErrNotFound, unix.ENOENT},
	{remote.ErrNotADirectory, unix.ENOTDIR},
	{remote.ErrIsDirectory, unix.EISDIR},
	{remote.ErrAlreadyExists, unix.EEXIST},
	{remote.ErrNotEmpty, unix.ENOTEMPTY},
	{remote.ErrPermissionDenied, unix.EACCES},
	{remote.ErrInterrupted, unix.EINTR},
	{remote.ErrBadHandle, unix.EBADF},
	{core.ErrNoAttr, unix.ENODATA},
	{remote.ErrNetwork, unix.EIO},
	{context.DeadlineExceeded, unix.ETIMEDOUT},
	{context.Canceled, unix.EINTR},
}

// ToErrno maps an error from the core to the errno returned to the kernel.
// Unclassified errors become EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for _, m := range errnoTable {
		if errors.Is(err, m.err) {
			return m.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
