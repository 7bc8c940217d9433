//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly || solaris || aix

package block

import (
	"golang.org/x/sys/unix"
)

// mmapRegion maps length bytes of fd starting at offset. writable selects
// PROT_READ|PROT_WRITE over PROT_READ; the mapping is always MAP_SHARED so
// writes (by a writer) are visible to any reader mapping the same region.
func mmapRegion(fd int, offset int64, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
}

func munmapRegion(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// msyncRegion forces the mapped pages to stable storage synchronously.
func msyncRegion(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
