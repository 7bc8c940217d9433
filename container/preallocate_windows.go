//go:build windows

package container

import "os"

// preallocate has no portable fallocate equivalent wired into this build;
// Truncate produces a sparse file, matching the teacher's own Windows
// fallback posture in vectordb/storage/mmapstore/mmap_windows.go.
func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
