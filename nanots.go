// Package nanots is an embedded, append-only time-series block store:
// fixed-size container files mapped as a chain of mmap'd blocks,
// coordinated by a sqlite catalog, written by at most one writer per
// stream tag, and read by range queries or a random-access iterator.
package nanots

import (
	"context"
	"errors"
	"fmt"

	"github.com/dicroce/nanots/catalog"
	"github.com/dicroce/nanots/container"
	"github.com/dicroce/nanots/reader"
	"github.com/dicroce/nanots/writer"
)

// Code is the stable numeric error taxonomy of the nanots wire format
// (§6.3): external callers marshaling errors across a process boundary
// can switch on this rather than on an error string.
type Code int

const (
	CodeOK Code = iota
	CodeCantOpen
	CodeSchema
	CodeNoFreeBlocks
	CodeInvalidBlockSize
	CodeDuplicateStreamTag
	CodeUnableToCreateSegment
	CodeUnableToCreateSegmentBlock
	CodeNonMonotonicTimestamp
	CodeRowSizeTooBig
	CodeUnableToAllocateFile
	CodeInvalidArgument
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeCantOpen:
		return "CANT_OPEN"
	case CodeSchema:
		return "SCHEMA"
	case CodeNoFreeBlocks:
		return "NO_FREE_BLOCKS"
	case CodeInvalidBlockSize:
		return "INVALID_BLOCK_SIZE"
	case CodeDuplicateStreamTag:
		return "DUPLICATE_STREAM_TAG"
	case CodeUnableToCreateSegment:
		return "UNABLE_TO_CREATE_SEGMENT"
	case CodeUnableToCreateSegmentBlock:
		return "UNABLE_TO_CREATE_SEGMENT_BLOCK"
	case CodeNonMonotonicTimestamp:
		return "NON_MONOTONIC_TIMESTAMP"
	case CodeRowSizeTooBig:
		return "ROW_SIZE_TOO_BIG"
	case CodeUnableToAllocateFile:
		return "UNABLE_TO_ALLOCATE_FILE"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an underlying failure with the Code a caller would need to
// reconstruct the original C API's nanots_result_t, in the spirit of the
// teacher's storage.ErrClosed/storage.ErrCorrupt sentinels generalized
// with a classification field.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("nanots: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	code := CodeUnknown
	switch {
	case errors.Is(err, writer.ErrDuplicateStreamTag):
		code = CodeDuplicateStreamTag
	case errors.Is(err, writer.ErrNonMonotonicTimestamp):
		code = CodeNonMonotonicTimestamp
	case errors.Is(err, writer.ErrRowSizeTooBig):
		code = CodeRowSizeTooBig
	case errors.Is(err, writer.ErrNoFreeBlocks):
		code = CodeNoFreeBlocks
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, reader.ErrNoData):
		code = CodeInvalidArgument
	}

	return &Error{Code: code, Op: op, Err: err}
}

// Options configures a Writer.
type Options struct {
	// AutoReclaim lets a write context steal the oldest finalized block
	// when none are free, instead of failing with CodeNoFreeBlocks.
	AutoReclaim bool
}

// Frame is a decoded record handed back by Read or an Iterator.
type Frame = reader.Frame

// FrameFunc is the range-read callback; returning false stops iteration early.
type FrameFunc = reader.FrameFunc

// ContiguousSegment is one maximal run of consecutively sequenced blocks.
type ContiguousSegment = catalog.ContiguousSegment

// Allocate creates a new container file of nBlocks blocks (each rounded up
// to a 64K boundary) and its sidecar catalog database.
func Allocate(path string, blockSize, nBlocks int) error {
	if blockSize < container.MinBlockSize || blockSize > container.MaxBlockSize {
		return &Error{Code: CodeInvalidBlockSize, Op: "Allocate", Err: fmt.Errorf("block size %d out of range [%d,%d]", blockSize, container.MinBlockSize, container.MaxBlockSize)}
	}
	err := writer.Allocate(path, writer.AllocateOptions{BlockSize: blockSize, NBlocks: nBlocks})
	if err != nil {
		return &Error{Code: CodeUnableToAllocateFile, Op: "Allocate", Err: err}
	}
	return nil
}

// Writer owns a container file and its catalog, and hands out write
// contexts for individual stream tags.
type Writer struct {
	w *writer.Writer
}

// OpenWriter opens an existing container/catalog pair for writing,
// recovering any segment_block left open by a prior crash.
func OpenWriter(path string, opts Options) (*Writer, error) {
	w, err := writer.Open(path, writer.Options{AutoReclaim: opts.AutoReclaim})
	if err != nil {
		return nil, &Error{Code: CodeCantOpen, Op: "OpenWriter", Err: err}
	}
	return &Writer{w: w}, nil
}

// Close releases the writer's catalog and container handles.
func (w *Writer) Close() error {
	return classify("Writer.Close", w.w.Close())
}

// CreateWriteContext begins a new append-only timeline for streamTag.
func (w *Writer) CreateWriteContext(ctx context.Context, streamTag, metadata string) (*WriteContext, error) {
	wc, err := w.w.CreateWriteContext(ctx, streamTag, metadata)
	if err != nil {
		return nil, classify("CreateWriteContext", err)
	}
	return &WriteContext{wc: wc}, nil
}

// FreeBlocks returns to the free pool every finalized block of streamTag
// fully contained in [start,end].
func (w *Writer) FreeBlocks(ctx context.Context, streamTag string, start, end int64) error {
	return classify("FreeBlocks", w.w.FreeBlocks(ctx, streamTag, start, end))
}

// WriteContext is the single-producer append handle for one stream tag.
type WriteContext struct {
	wc *writer.WriteContext
}

// Write appends one frame, enforcing strictly increasing timestamps.
func (wc *WriteContext) Write(ctx context.Context, timestamp int64, flags byte, payload []byte) error {
	return classify("Write", wc.wc.Write(ctx, timestamp, flags, payload))
}

// Close finalizes any open block and releases the stream tag.
func (wc *WriteContext) Close(ctx context.Context) error {
	return classify("WriteContext.Close", wc.wc.Close(ctx))
}

// Reader is a read-only handle on a container/catalog pair.
type Reader struct {
	r *reader.Reader
}

// OpenReader opens path (and its sidecar catalog database) for reading.
func OpenReader(path string) (*Reader, error) {
	r, err := reader.Open(path)
	if err != nil {
		return nil, &Error{Code: CodeCantOpen, Op: "OpenReader", Err: err}
	}
	return &Reader{r: r}, nil
}

// Close releases the reader's catalog and container handles.
func (r *Reader) Close() error {
	return classify("Reader.Close", r.r.Close())
}

// Read scans every frame of streamTag whose timestamp falls in [start,end].
func (r *Reader) Read(ctx context.Context, streamTag string, start, end int64, fn FrameFunc) error {
	return classify("Read", r.r.Read(ctx, streamTag, start, end, fn))
}

// QueryStreamTags returns every stream tag with a segment_block
// intersecting [start,end].
func (r *Reader) QueryStreamTags(ctx context.Context, start, end int64) ([]string, error) {
	tags, err := r.r.QueryStreamTags(ctx, start, end)
	if err != nil {
		return nil, classify("QueryStreamTags", err)
	}
	return tags, nil
}

// QueryContiguousSegments groups streamTag's blocks intersecting [start,end]
// into maximal runs of consecutive sequence numbers.
func (r *Reader) QueryContiguousSegments(ctx context.Context, streamTag string, start, end int64) ([]ContiguousSegment, error) {
	segs, err := r.r.QueryContiguousSegments(ctx, streamTag, start, end)
	if err != nil {
		return nil, classify("QueryContiguousSegments", err)
	}
	return segs, nil
}

// Iterator is a random-access cursor over one stream tag's frames.
type Iterator = reader.Iterator

// NewIterator creates a cursor over streamTag, positioned before the first frame.
func (r *Reader) NewIterator(streamTag string) *Iterator {
	return r.r.NewIterator(streamTag)
}
