// Package reader implements the Reader/Iterator component: range reads
// over a stream tag's timeline and a random-access cursor across its
// segments and blocks.
package reader

import (
	"context"
	"errors"

	"github.com/dicroce/nanots/block"
	"github.com/dicroce/nanots/catalog"
	"github.com/dicroce/nanots/container"
)

// ErrNoData is returned by Iterator navigation and FindBlockForTimestamp
// callers when no block satisfies the request.
var ErrNoData = errors.New("reader: no matching data")

// Frame is one decoded frame handed to a Read callback.
type Frame struct {
	Timestamp int64
	Flags     byte
	Payload   []byte
	Metadata  string
}

// FrameFunc is called once per frame found in a range read. Returning
// false stops iteration early without error, mirroring the original C
// API's bool-returning callback.
type FrameFunc func(Frame) (more bool, err error)

// Reader is a read-only handle on a container/catalog pair.
type Reader struct {
	c  *container.Container
	db *catalog.DB
}

// Open opens path (and its sidecar catalog database) for reading.
func Open(path string) (*Reader, error) {
	c, err := container.Open(path, false)
	if err != nil {
		return nil, err
	}

	db, err := catalog.Open(container.DatabaseName(path), catalog.Options{})
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Reader{c: c, db: db}, nil
}

// Close releases the reader's catalog and container handles.
func (r *Reader) Close() error {
	dbErr := r.db.Close()
	cErr := r.c.Close()
	if dbErr != nil {
		return dbErr
	}
	return cErr
}

// QueryStreamTags returns every stream tag with a segment_block
// intersecting [start,end].
func (r *Reader) QueryStreamTags(ctx context.Context, start, end int64) ([]string, error) {
	return r.db.QueryStreamTags(ctx, start, end)
}

// QueryContiguousSegments groups streamTag's blocks intersecting [start,end]
// into maximal runs of consecutive sequence numbers.
func (r *Reader) QueryContiguousSegments(ctx context.Context, streamTag string, start, end int64) ([]catalog.ContiguousSegment, error) {
	return r.db.QueryContiguousSegments(ctx, streamTag, start, end)
}

// Read scans every frame of streamTag whose timestamp falls in [start,end],
// in time order, invoking fn for each one. A frame that fails validation
// (§4.3.5) is skipped rather than aborting the scan, matching
// the original reader's tolerance of a partially torn trailing block.
func (r *Reader) Read(ctx context.Context, streamTag string, start, end int64, fn FrameFunc) error {
	rows, err := r.db.QueryRange(ctx, streamTag, start, end)
	if err != nil {
		return err
	}

	for _, row := range rows {
		more, err := r.readBlock(row, start, end, fn)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}

	return nil
}

func (r *Reader) readBlock(row catalog.SegmentBlockRow, start, end int64, fn FrameFunc) (bool, error) {
	m, err := r.c.MapBlock(row.BlockIdx, false)
	if err != nil {
		return false, err
	}
	defer m.Unmap()

	b := block.New(m, r.c.BlockSize())
	n := int(b.NValidIndexes())

	lo := lowerBoundIndex(b, n, start)
	for i := lo; i < n; i++ {
		ts, off := b.IndexEntry(i)
		if ts > end {
			break
		}
		flags, size, ok := b.ValidateFrame(off, row.UUID)
		if !ok {
			continue
		}
		payload := append([]byte(nil), b.FramePayload(off, size)...)
		more, err := fn(Frame{Timestamp: ts, Flags: flags, Payload: payload, Metadata: row.Metadata})
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}

	return true, nil
}

// lowerBoundIndex binary searches a block's (sorted, since a single
// producer appends strictly increasing timestamps) index region for the
// first slot whose timestamp is >= start.
func lowerBoundIndex(b *block.Block, n int, start int64) int {
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		ts, _ := b.IndexEntry(mid)
		if ts < start {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindBlockForTimestamp locates the catalog row for the block Find(ts)
// would land on: the block containing ts, or failing that, the earliest
// block starting at or after ts.
func (r *Reader) FindBlockForTimestamp(ctx context.Context, streamTag string, ts int64) (catalog.SegmentBlockRow, error) {
	row, err := r.db.FindBlockForTimestamp(ctx, streamTag, ts)
	return row, wrapNotFound(err)
}

func wrapNotFound(err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNoData
	}
	return err
}
