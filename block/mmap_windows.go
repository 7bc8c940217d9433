//go:build windows

package block

import "fmt"

// Memory-mapped block access is not implemented on Windows in this build;
// the teacher repo takes the same stance for its segment mmap (see
// vectordb/storage/mmapstore/mmap_windows.go, which falls back to file I/O
// instead of CreateFileMapping/MapViewOfFile). nanots' append/recycle/scan
// protocol depends on a shared mapping between writer and readers for the
// n_valid_indexes acquire/release handshake, so there is no correct
// ReadAt-based fallback; callers on Windows get a clear error instead of
// silently weaker durability semantics.
func mmapRegion(fd int, offset int64, length int, writable bool) ([]byte, error) {
	return nil, fmt.Errorf("block: memory mapping is not supported on windows")
}

func munmapRegion(data []byte) error { return nil }

func msyncRegion(data []byte) error { return nil }
