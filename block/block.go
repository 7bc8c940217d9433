package block

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// Layout constants per spec: block header, index entry and frame header
// sizes. These are part of the on-disk contract and must not change
// independently of the format version.
const (
	// HeaderSize is the fixed block header: int64 block_start_timestamp (8) +
	// uint32 n_valid_indexes (4) + uint32 reserved (4).
	HeaderSize = 16
	// IndexEntrySize is int64 timestamp (8) + uint64 frame_offset (8).
	IndexEntrySize = 16
	// FrameHeaderSize is uint8[16] stream_uuid + uint32 payload_size + uint8 flags.
	FrameHeaderSize = 21
)

// ErrFull is returned by AppendFrame when the candidate frame would
// collide with the projected index region end; the caller must roll over
// to a fresh block and retry the same frame there.
var ErrFull = errors.New("block: full, rollover required")

// Block is a mapped view of one block-sized region of the container file.
type Block struct {
	m    *Mapping
	size int
}

// New wraps an existing mapping as a Block of the given block size.
func New(m *Mapping, size int) *Block {
	return &Block{m: m, size: size}
}

func (b *Block) data() []byte { return b.m.Bytes() }

func (b *Block) validCounterPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.data()[8]))
}

// NValidIndexes loads the committed-frame count with acquire ordering
// (I1): if a reader observes k, slots [0,k) and their frames are fully
// written.
func (b *Block) NValidIndexes() uint32 {
	return atomic.LoadUint32(b.validCounterPtr())
}

// StartTimestamp returns the timestamp stamped on the block at recycle time.
func (b *Block) StartTimestamp() int64 {
	return int64(binary.LittleEndian.Uint64(b.data()[0:8]))
}

// Recycle reinitializes a freshly reserved block for a new tenant (§4.3.2).
// It ends with a synchronous flush (the other flushes are the writer's
// rollover and TruncateIndexCount during recovery); the flush guarantees a later concurrent reader can never observe a mix of a
// new block_start_timestamp with a stale, non-zeroed index region.
func (b *Block) Recycle(firstTimestamp int64) error {
	d := b.data()

	binary.LittleEndian.PutUint64(d[0:8], uint64(firstTimestamp))

	old := atomic.LoadUint32(b.validCounterPtr())
	atomic.StoreUint32(b.validCounterPtr(), 0)

	binary.LittleEndian.PutUint32(d[12:16], 0)

	clearLen := int(old) * IndexEntrySize
	if clearLen > 0 {
		zero := d[HeaderSize : HeaderSize+clearLen]
		for i := range zero {
			zero[i] = 0
		}
	}

	return b.m.Flush()
}

// IndexEntry reads the i'th index slot.
func (b *Block) IndexEntry(i int) (timestamp int64, offset uint64) {
	d := b.data()
	p := HeaderSize + i*IndexEntrySize
	timestamp = int64(binary.LittleEndian.Uint64(d[p : p+8]))
	offset = binary.LittleEndian.Uint64(d[p+8 : p+16])
	return
}

// ValidateFrame implements the validation predicate of §4.3.5: the UUID
// prefix must match expectedUUID and the declared payload size must fit
// the remaining block space. Readers skip frames that fail this check.
func (b *Block) ValidateFrame(offset uint64, expectedUUID uuid.UUID) (flags byte, size uint32, ok bool) {
	if offset > uint64(b.size)-FrameHeaderSize {
		return 0, 0, false
	}
	d := b.data()
	fp := d[offset:]
	var got uuid.UUID
	copy(got[:], fp[0:16])
	if got != expectedUUID {
		return 0, 0, false
	}
	size = binary.LittleEndian.Uint32(fp[16:20])
	flags = fp[20]
	if uint64(size) > uint64(b.size)-offset-FrameHeaderSize {
		return 0, 0, false
	}
	return flags, size, true
}

// FramePayload returns the payload bytes for a frame already validated at offset.
func (b *Block) FramePayload(offset uint64, size uint32) []byte {
	d := b.data()
	start := offset + FrameHeaderSize
	return d[start : start+uint64(size)]
}

// AppendFrame writes one frame for the block's single producer (§4.3.3).
// It never blocks and never takes a lock: the caller (Writer/WriteContext)
// is, by protocol, the only goroutine holding a write mapping to this
// block. ErrFull signals the caller must finalize this block and retry on
// a freshly rolled-over one.
func (b *Block) AppendFrame(streamUUID uuid.UUID, timestamp int64, flags byte, payload []byte) error {
	d := b.data()
	n := int(atomic.LoadUint32(b.validCounterPtr()))

	total := FrameHeaderSize + len(payload)
	padded := (total + 7) &^ 7

	indexEnd := HeaderSize + (n+1)*IndexEntrySize

	var off int
	if n == 0 {
		off = b.size - padded
	} else {
		_, lastOffset := b.IndexEntry(n - 1)
		off = int(lastOffset) - padded
	}

	if off < indexEnd {
		return ErrFull
	}

	frame := d[off:]
	copy(frame[0:16], streamUUID[:])
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(payload)))
	frame[20] = flags
	copy(frame[FrameHeaderSize:FrameHeaderSize+len(payload)], payload)

	idxOff := HeaderSize + n*IndexEntrySize
	binary.LittleEndian.PutUint64(d[idxOff:idxOff+8], uint64(timestamp))
	binary.LittleEndian.PutUint64(d[idxOff+8:idxOff+16], uint64(off))

	// Release-ordered: the frame and its index entry above are visible to
	// any reader that subsequently observes the incremented count.
	atomic.AddUint32(b.validCounterPtr(), 1)

	return nil
}

// ScanRecovery finds the largest index slot whose frame is fully and
// validly written (§4.3.4). It performs no writes; the caller decides
// whether and how to persist a corrected count.
func (b *Block) ScanRecovery(expectedUUID uuid.UUID) (lastValidIdx int, lastTimestamp int64, found bool) {
	n := int(b.NValidIndexes())
	lastValidIdx = -1

	for i := n - 1; i >= 0; i-- {
		ts, off := b.IndexEntry(i)
		if ts == 0 || off == 0 {
			continue
		}

		indexRegionEnd := uint64(HeaderSize + (n+1)*IndexEntrySize)
		if off < indexRegionEnd || off > uint64(b.size)-FrameHeaderSize {
			continue
		}

		if _, _, ok := b.ValidateFrame(off, expectedUUID); ok {
			lastValidIdx = i
			lastTimestamp = ts
			found = true
			break
		}
	}

	return lastValidIdx, lastTimestamp, found
}

// TruncateIndexCount lowers n_valid_indexes to newCount. No release
// ordering is needed: this only runs during the single-threaded recovery
// scan on open, before any reader could have observed the stale count.
func (b *Block) TruncateIndexCount(newCount uint32) error {
	atomic.StoreUint32(b.validCounterPtr(), newCount)
	return b.m.Flush()
}

// Unmap releases the underlying mapping.
func (b *Block) Unmap() error {
	return b.m.Unmap()
}
