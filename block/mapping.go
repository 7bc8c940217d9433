// Package block implements the on-disk block engine: mapping a fixed-size
// block region of the container file, recycling it for a new tenant,
// appending frames lock-free, and validating/scanning its contents.
package block

import "os"

// Mapping is an owned memory mapping of one block-sized region of the
// container file.
type Mapping struct {
	data     []byte
	writable bool
}

// Map maps length bytes of f starting at offset. writable selects a
// read-write mapping (the writer's current block) over a read-only one
// (a reader's range-read temporary or an iterator's cached block).
func Map(f *os.File, offset int64, length int, writable bool) (*Mapping, error) {
	data, err := mmapRegion(int(f.Fd()), offset, length, writable)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, writable: writable}, nil
}

// Bytes returns the mapped region. The caller must not retain it past Unmap.
func (m *Mapping) Bytes() []byte { return m.data }

// Flush synchronously persists the mapped pages to stable storage. It is
// called at recycle (§4.3.2), at rollover (§4.4 step 4) and when recovery
// truncates a block's index count (§4.3.4).
func (m *Mapping) Flush() error {
	if m == nil || m.data == nil {
		return nil
	}
	return msyncRegion(m.data)
}

// Unmap releases the mapping. Safe to call more than once.
func (m *Mapping) Unmap() error {
	if m == nil || m.data == nil {
		return nil
	}
	err := munmapRegion(m.data)
	m.data = nil
	return err
}
