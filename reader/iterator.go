package reader

import (
	"context"
	"fmt"

	"github.com/dicroce/nanots/block"
	"github.com/dicroce/nanots/catalog"
)

// cachedBlock pairs a mapped block with the catalog row describing it.
type cachedBlock struct {
	row catalog.SegmentBlockRow
	b   *block.Block
	m   *block.Mapping
}

// Iterator is a random-access cursor over one stream tag's blocks, caching
// mapped blocks keyed by "segmentID:sequence" the way nanots.cpp's
// _get_block_by_segment_and_sequence does, so repeated Next/Prev/Find
// calls around the same block avoid remapping it.
type Iterator struct {
	r         *Reader
	streamTag string

	cacheKey string
	cache    *cachedBlock

	frameIdx int
}

// NewIterator creates a cursor over streamTag, positioned before the first frame.
func (r *Reader) NewIterator(streamTag string) *Iterator {
	return &Iterator{r: r, streamTag: streamTag, frameIdx: -1}
}

// Close releases any mapped block held by the cursor.
func (it *Iterator) Close() error {
	if it.cache != nil {
		err := it.cache.m.Unmap()
		it.cache = nil
		return err
	}
	return nil
}

func blockCacheKey(segmentID int64, sequence int) string {
	return fmt.Sprintf("%d:%d", segmentID, sequence)
}

func (it *Iterator) loadBlock(row catalog.SegmentBlockRow) error {
	key := blockCacheKey(row.SegmentID, row.Sequence)
	if it.cache != nil && it.cacheKey == key {
		it.cache.row = row
		return nil
	}

	if it.cache != nil {
		it.cache.m.Unmap()
		it.cache = nil
	}

	m, err := it.r.c.MapBlock(row.BlockIdx, false)
	if err != nil {
		return err
	}

	it.cache = &cachedBlock{row: row, b: block.New(m, it.r.c.BlockSize()), m: m}
	it.cacheKey = key
	return nil
}

// Reset positions the cursor before the first frame of the stream, as if
// freshly constructed.
func (it *Iterator) Reset() {
	it.Close()
	it.cacheKey = ""
	it.frameIdx = -1
}

// First positions the cursor at the first frame of the earliest block.
func (it *Iterator) First(ctx context.Context) error {
	row, err := it.r.db.GetFirstBlock(ctx, it.streamTag)
	if err != nil {
		return wrapNotFound(err)
	}
	if err := it.loadBlock(row); err != nil {
		return err
	}
	it.frameIdx = 0
	return it.skipToValidFrame(ctx, 1)
}

// Last positions the cursor at the last valid frame of the latest block.
func (it *Iterator) Last(ctx context.Context) error {
	row, err := it.r.db.GetLastBlock(ctx, it.streamTag)
	if err != nil {
		return wrapNotFound(err)
	}
	if err := it.loadBlock(row); err != nil {
		return err
	}
	n := int(it.cache.b.NValidIndexes())
	if n == 0 {
		return ErrNoData
	}
	it.frameIdx = n - 1
	return nil
}

// Find positions the cursor at the block containing ts (or, failing that,
// the earliest block starting at or after ts), at the first frame with
// timestamp >= ts.
func (it *Iterator) Find(ctx context.Context, ts int64) error {
	row, err := it.r.db.FindBlockForTimestamp(ctx, it.streamTag, ts)
	if err != nil {
		return wrapNotFound(err)
	}
	if err := it.loadBlock(row); err != nil {
		return err
	}

	n := int(it.cache.b.NValidIndexes())
	idx := lowerBoundIndex(it.cache.b, n, ts)
	if idx >= n {
		it.frameIdx = n
		return it.skipToValidFrame(ctx, 1)
	}
	it.frameIdx = idx
	return nil
}

// Next advances the cursor to the next valid frame, crossing a block or
// segment boundary if needed. On a cursor positioned before the first
// frame it moves to the first frame, as First does.
func (it *Iterator) Next(ctx context.Context) error {
	if it.cache == nil {
		return it.First(ctx)
	}
	it.frameIdx++
	return it.skipToValidFrame(ctx, 1)
}

func (it *Iterator) skipToValidFrame(ctx context.Context, direction int) error {
	for {
		if it.cache == nil {
			return ErrNoData
		}
		n := int(it.cache.b.NValidIndexes())
		if it.frameIdx >= 0 && it.frameIdx < n {
			return nil
		}
		if direction > 0 {
			if err := it.advanceToNextBlock(ctx); err != nil {
				return err
			}
		} else {
			if err := it.advanceToPrevBlock(ctx); err != nil {
				return err
			}
		}
	}
}

func (it *Iterator) advanceToNextBlock(ctx context.Context) error {
	cur := it.cache.row
	row, err := it.r.db.GetNextBlock(ctx, it.streamTag, cur.SegmentID, cur.Sequence)
	if err != nil {
		return wrapNotFound(err)
	}
	if err := it.loadBlock(row); err != nil {
		return err
	}
	it.frameIdx = 0
	return nil
}

func (it *Iterator) advanceToPrevBlock(ctx context.Context) error {
	cur := it.cache.row
	row, err := it.r.db.GetPrevBlock(ctx, it.streamTag, cur.SegmentID, cur.Sequence)
	if err != nil {
		return wrapNotFound(err)
	}
	if err := it.loadBlock(row); err != nil {
		return err
	}
	it.frameIdx = int(it.cache.b.NValidIndexes()) - 1
	return nil
}

// Prev moves the cursor to the previous valid frame, crossing a block or
// segment boundary if needed.
func (it *Iterator) Prev(ctx context.Context) error {
	it.frameIdx--
	return it.skipToValidFrame(ctx, -1)
}

// Current returns the frame at the cursor's position.
func (it *Iterator) Current() (Frame, error) {
	if it.cache == nil || it.frameIdx < 0 || it.frameIdx >= int(it.cache.b.NValidIndexes()) {
		return Frame{}, ErrNoData
	}
	ts, off := it.cache.b.IndexEntry(it.frameIdx)
	flags, size, ok := it.cache.b.ValidateFrame(off, it.cache.row.UUID)
	if !ok {
		return Frame{}, fmt.Errorf("reader: frame at index %d failed validation", it.frameIdx)
	}
	payload := append([]byte(nil), it.cache.b.FramePayload(off, size)...)
	return Frame{Timestamp: ts, Flags: flags, Payload: payload, Metadata: it.cache.row.Metadata}, nil
}

// CurrentMetadata returns the segment metadata string of the cursor's
// current block.
func (it *Iterator) CurrentMetadata() (string, error) {
	if it.cache == nil {
		return "", ErrNoData
	}
	return it.cache.row.Metadata, nil
}
