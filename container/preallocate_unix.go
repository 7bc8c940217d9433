//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly || solaris || aix

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes of backing storage for f so later writes
// (block recycle/append) cannot fail with ENOSPC mid-block. Falls back to
// Truncate on platforms/filesystems where fallocate is unsupported (e.g.
// tmpfs on some kernels returns ENOTSUP/EOPNOTSUPP).
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if err == unix.ENOTSUP || err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return f.Truncate(size)
	}
	return err
}
