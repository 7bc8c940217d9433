// Package writer implements the Writer component: allocation of new
// container files, crash recovery on open, and the single-producer
// WriteContext append path per stream tag.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/dicroce/nanots/block"
	"github.com/dicroce/nanots/catalog"
	"github.com/dicroce/nanots/container"
)

// Sentinel errors a caller can test with errors.Is; the numeric taxonomy
// of spec.md §6.3 is reconstructed from these at the root package.
var (
	ErrDuplicateStreamTag    = errors.New("writer: stream tag already has a live write context")
	ErrNonMonotonicTimestamp = errors.New("writer: timestamp is not strictly greater than the last written timestamp")
	ErrRowSizeTooBig         = errors.New("writer: frame payload does not fit in a block")
	ErrNoFreeBlocks          = errors.New("writer: no free blocks available")
)

// frameOverhead is the fixed cost (header + uuid tag's index entry +
// block header) that must leave room in a block besides the payload.
const frameOverhead = block.FrameHeaderSize + block.IndexEntrySize + block.HeaderSize

// Options configures a Writer.
type Options struct {
	// AutoReclaim lets GetOrReclaim steal the oldest finalized block when
	// no block is free, instead of returning ErrNoFreeBlocks immediately.
	AutoReclaim bool
}

// AllocateOptions configures a new container + catalog pair.
type AllocateOptions struct {
	BlockSize int
	NBlocks   int
}

// Allocate creates a new container file and its catalog database,
// seeding NBlocks free block rows.
func Allocate(path string, opts AllocateOptions) error {
	if err := container.Allocate(path, container.AllocateOptions{BlockSize: opts.BlockSize, NBlocks: opts.NBlocks}); err != nil {
		return err
	}

	ctx := context.Background()
	db, err := catalog.Open(container.DatabaseName(path), catalog.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	return db.SeedBlocks(ctx, opts.NBlocks)
}

// Writer owns a container file and its catalog, and hands out
// WriteContexts for individual stream tags.
type Writer struct {
	mu       sync.Mutex
	liveTags map[string]bool

	c    *container.Container
	db   *catalog.DB
	opts Options
}

// Open opens an existing container/catalog pair for writing, running
// crash recovery over any segment_block left open by a prior ungraceful
// shutdown.
func Open(path string, opts Options) (*Writer, error) {
	c, err := container.Open(path, true)
	if err != nil {
		return nil, err
	}

	db, err := catalog.Open(container.DatabaseName(path), catalog.Options{})
	if err != nil {
		c.Close()
		return nil, err
	}

	w := &Writer{liveTags: make(map[string]bool), c: c, db: db, opts: opts}

	if err := w.recover(context.Background()); err != nil {
		db.Close()
		c.Close()
		return nil, err
	}

	return w, nil
}

// recover implements the §4.3.4 scan: every segment_block left with
// end_timestamp == 0 is re-examined and its catalog row corrected to
// reflect the last frame that was actually, validly committed.
func (w *Writer) recover(ctx context.Context) error {
	open, err := w.db.QueryOpenSegmentBlocks(ctx)
	if err != nil {
		return fmt.Errorf("writer: recovery query: %w", err)
	}

	for _, row := range open {
		if err := w.recoverOne(ctx, row); err != nil {
			return fmt.Errorf("writer: recovery of segment_block %d: %w", row.SegmentBlockID, err)
		}
	}

	return nil
}

func (w *Writer) recoverOne(ctx context.Context, row catalog.SegmentBlockRow) error {
	m, err := w.c.MapBlock(row.BlockIdx, true)
	if err != nil {
		return err
	}
	defer m.Unmap()

	b := block.New(m, w.c.BlockSize())

	lastValidIdx, lastTimestamp, found := b.ScanRecovery(row.UUID)
	if !found {
		log.Printf("nanots: recovery found no valid frames in block %d (segment_block %d), closing at start_timestamp", row.BlockIdx, row.SegmentBlockID)
		if err := b.TruncateIndexCount(0); err != nil {
			return err
		}
		return w.db.FinalizeSegmentBlock(ctx, row.SegmentBlockID, row.StartTimestamp)
	}

	if uint32(lastValidIdx+1) != b.NValidIndexes() {
		log.Printf("nanots: recovery truncating block %d (segment_block %d) from %d to %d valid frames", row.BlockIdx, row.SegmentBlockID, b.NValidIndexes(), lastValidIdx+1)
		if err := b.TruncateIndexCount(uint32(lastValidIdx + 1)); err != nil {
			return err
		}
	}

	return w.db.FinalizeSegmentBlock(ctx, row.SegmentBlockID, lastTimestamp)
}

// Close releases the catalog and container handles. It does not close any
// WriteContext still open on this Writer; callers must Close those first.
func (w *Writer) Close() error {
	dbErr := w.db.Close()
	cErr := w.c.Close()
	if dbErr != nil {
		return dbErr
	}
	return cErr
}

// CreateWriteContext begins a new append-only timeline for streamTag. Only
// one live WriteContext may exist per stream tag per Writer at a time.
func (w *Writer) CreateWriteContext(ctx context.Context, streamTag, metadata string) (*WriteContext, error) {
	w.mu.Lock()
	if w.liveTags[streamTag] {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateStreamTag, streamTag)
	}

	segmentID, err := w.db.CreateSegment(ctx, streamTag, metadata)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}

	w.liveTags[streamTag] = true
	w.mu.Unlock()

	return &WriteContext{
		w:         w,
		streamTag: streamTag,
		segmentID: segmentID,
	}, nil
}

// FreeBlocks returns to 'free' every finalized block of streamTag fully
// contained in [start,end].
func (w *Writer) FreeBlocks(ctx context.Context, streamTag string, start, end int64) error {
	return w.db.FreeBlocksInRange(ctx, streamTag, start, end)
}

// WriteContext is the single-producer append handle for one stream tag.
type WriteContext struct {
	w         *Writer
	streamTag string
	segmentID int64
	sequence  int

	hasLast       bool
	lastTimestamp int64

	currentBlock          *block.Block
	currentMapping        *block.Mapping
	currentTag            uuid.UUID
	currentSegmentBlockID int64
}

// Write appends one frame, enforcing strict-monotonic timestamps per
// stream tag and rolling over to a fresh block when the current one is
// full (§4.4).
func (wc *WriteContext) Write(ctx context.Context, timestamp int64, flags byte, payload []byte) error {
	if wc.hasLast && timestamp <= wc.lastTimestamp {
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonicTimestamp, timestamp, wc.lastTimestamp)
	}
	if len(payload) > wc.w.c.BlockSize()-frameOverhead {
		return fmt.Errorf("%w: payload %d bytes, block holds at most %d", ErrRowSizeTooBig, len(payload), wc.w.c.BlockSize()-frameOverhead)
	}

	if wc.currentBlock == nil {
		if err := wc.acquireBlock(ctx, timestamp); err != nil {
			return err
		}
	}

	err := wc.currentBlock.AppendFrame(wc.currentTag, timestamp, flags, payload)
	if err == block.ErrFull {
		if err := wc.rollover(ctx); err != nil {
			return err
		}
		return wc.Write(ctx, timestamp, flags, payload)
	}
	if err != nil {
		return err
	}

	wc.lastTimestamp = timestamp
	wc.hasLast = true
	return nil
}

func (wc *WriteContext) acquireBlock(ctx context.Context, firstTimestamp int64) error {
	rb, err := wc.w.db.GetOrReclaim(ctx, wc.w.opts.AutoReclaim)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNoFreeBlocks
	}
	if err != nil {
		return err
	}

	m, err := wc.w.c.MapBlock(rb.BlockIdx, true)
	if err != nil {
		return err
	}

	b := block.New(m, wc.w.c.BlockSize())
	if err := b.Recycle(firstTimestamp); err != nil {
		m.Unmap()
		return err
	}

	tag := uuid.New()
	sbID, err := wc.w.db.CreateSegmentBlock(ctx, wc.segmentID, wc.sequence, rb.BlockID, rb.BlockIdx, firstTimestamp, tag)
	if err != nil {
		m.Unmap()
		return err
	}

	wc.currentMapping = m
	wc.currentBlock = b
	wc.currentTag = tag
	wc.currentSegmentBlockID = sbID
	return nil
}

// rollover finalizes the current block and clears state so the next Write
// call (recursively re-entered with the same frame) acquires a new one.
func (wc *WriteContext) rollover(ctx context.Context) error {
	if err := wc.currentMapping.Flush(); err != nil {
		return err
	}
	if err := wc.w.db.FinalizeSegmentBlock(ctx, wc.currentSegmentBlockID, wc.lastTimestamp); err != nil {
		return err
	}
	if err := wc.currentMapping.Unmap(); err != nil {
		return err
	}

	wc.currentBlock = nil
	wc.currentMapping = nil
	wc.currentSegmentBlockID = 0
	wc.sequence++
	return nil
}

// Close finalizes any open block and releases the stream tag so it can be
// reopened by a future CreateWriteContext. The tag is released before the
// best-effort finalize so a failure there never leaves the tag wedged.
func (wc *WriteContext) Close(ctx context.Context) error {
	wc.w.mu.Lock()
	delete(wc.w.liveTags, wc.streamTag)
	wc.w.mu.Unlock()

	if wc.currentBlock == nil {
		return nil
	}

	err := wc.w.db.FinalizeSegmentBlock(ctx, wc.currentSegmentBlockID, wc.lastTimestamp)
	if uerr := wc.currentMapping.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	wc.currentBlock = nil
	wc.currentMapping = nil

	if perr := wc.w.db.PromoteStaleReserved(ctx); perr != nil {
		log.Printf("nanots: promote stale reserved blocks after close of %q: %v", wc.streamTag, perr)
	}

	return err
}
