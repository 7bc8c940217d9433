// Package container implements the File Layout & Allocator component: the
// fixed 65536-byte file header followed by N fixed-size block regions, and
// the preallocation and validation of that layout.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dicroce/nanots/block"
)

const (
	// FileHeaderSize is the size of the container file header, matching the
	// block header region's own 64K alignment so every block's mapping
	// offset is a multiple of the largest allocation granularity in common
	// use (Windows' 64K); Linux/BSD only require 4K alignment but a single
	// stricter bound keeps the layout portable.
	FileHeaderSize = 65536

	// MinBlockSize and MaxBlockSize bound the block_size argument to Allocate.
	MinBlockSize = 4096
	MaxBlockSize = 1 << 30
)

// DatabaseName derives the sidecar catalog path from a container path,
// following nanots.cpp's _database_name: strip a trailing ".nts" (if
// present) and append ".db".
func DatabaseName(containerPath string) string {
	ext := filepath.Ext(containerPath)
	base := containerPath
	if strings.EqualFold(ext, ".nts") {
		base = strings.TrimSuffix(containerPath, ext)
	}
	return base + ".db"
}

// AllocateOptions configures a new container file.
type AllocateOptions struct {
	BlockSize int
	NBlocks   int
}

// roundUp64K rounds n up to the nearest 65536-byte boundary, mirroring the
// original implementation's _round_to_64k_boundary so every block's file
// offset (FileHeaderSize + idx*BlockSize) stays mmap-offset aligned.
func roundUp64K(n int) int {
	const unit = 65536
	if n%unit == 0 {
		return n
	}
	return ((n / unit) + 1) * unit
}

// Allocate creates path as a new container file: a zeroed header followed
// by NBlocks contiguous regions of (rounded) BlockSize bytes, per §4.1.
func Allocate(path string, opts AllocateOptions) error {
	if opts.BlockSize < MinBlockSize || opts.BlockSize > MaxBlockSize {
		return fmt.Errorf("container: invalid block size %d (must be in [%d,%d])", opts.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if opts.NBlocks <= 0 {
		return fmt.Errorf("container: n_blocks must be positive, got %d", opts.NBlocks)
	}

	blockSize := roundUp64K(opts.BlockSize)
	total := int64(FileHeaderSize) + int64(blockSize)*int64(opts.NBlocks)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("container: unable to allocate file %s: %w", path, err)
	}
	defer f.Close()

	if err := preallocate(f, total); err != nil {
		os.Remove(path)
		return fmt.Errorf("container: unable to allocate file %s: %w", path, err)
	}

	hdr := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(blockSize))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(opts.NBlocks))

	if _, err := f.WriteAt(hdr, 0); err != nil {
		os.Remove(path)
		return fmt.Errorf("container: unable to write header for %s: %w", path, err)
	}

	return f.Sync()
}

// Container is an open container file: header plus the addressable block regions.
type Container struct {
	f         *os.File
	blockSize int
	nBlocks   int
	writable  bool
}

// Open opens an existing container file and validates its header.
func Open(path string, writable bool) (*Container, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("container: cannot open %s: %w", path, err)
	}

	hdr := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: cannot read header of %s: %w", path, err)
	}

	blockSize := binary.LittleEndian.Uint32(hdr[0:4])
	nBlocks := binary.LittleEndian.Uint32(hdr[4:8])

	if int(blockSize) < MinBlockSize || int(blockSize) > MaxBlockSize {
		f.Close()
		return nil, fmt.Errorf("container: %s has invalid block size %d", path, blockSize)
	}

	return &Container{f: f, blockSize: int(blockSize), nBlocks: int(nBlocks), writable: writable}, nil
}

// BlockSize returns the container's per-block region size in bytes.
func (c *Container) BlockSize() int { return c.blockSize }

// NBlocks returns the total number of block regions in the container.
func (c *Container) NBlocks() int { return c.nBlocks }

// MapBlock maps the block region at idx. writable selects a read-write
// mapping for the block currently owned by a writer, or a read-only
// mapping for a reader/iterator.
func (c *Container) MapBlock(idx int, writable bool) (*block.Mapping, error) {
	if idx < 0 || idx >= c.nBlocks {
		return nil, fmt.Errorf("container: block index %d out of range [0,%d)", idx, c.nBlocks)
	}
	offset := int64(FileHeaderSize) + int64(idx)*int64(c.blockSize)
	return block.Map(c.f, offset, c.blockSize, writable)
}

// Close closes the underlying file descriptor. Any outstanding block
// mappings remain valid until individually unmapped.
func (c *Container) Close() error {
	return c.f.Close()
}
