package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func tmpBlockFile(t *testing.T, size int) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "block.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return f
}

func openBlock(t *testing.T, f *os.File, size int) *Block {
	t.Helper()
	m, err := Map(f, 0, size, true)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	return New(m, size)
}

func TestBlock_RecycleThenAppendAndRead(t *testing.T) {
	const size = 64 * 1024
	f := tmpBlockFile(t, size)
	defer f.Close()

	b := openBlock(t, f, size)
	defer b.Unmap()

	if err := b.Recycle(1000); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if got := b.StartTimestamp(); got != 1000 {
		t.Fatalf("start timestamp = %d, want 1000", got)
	}
	if n := b.NValidIndexes(); n != 0 {
		t.Fatalf("n_valid_indexes after recycle = %d, want 0", n)
	}

	tag := uuid.New()
	payload := []byte("hello nanots")

	if err := b.AppendFrame(tag, 1000, 0, payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.AppendFrame(tag, 1001, 0, []byte("second frame")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if n := b.NValidIndexes(); n != 2 {
		t.Fatalf("n_valid_indexes after 2 appends = %d, want 2", n)
	}

	ts, off := b.IndexEntry(0)
	if ts != 1000 {
		t.Fatalf("index[0].timestamp = %d, want 1000", ts)
	}
	flags, sz, ok := b.ValidateFrame(off, tag)
	if !ok {
		t.Fatalf("validate frame 0: not ok")
	}
	if flags != 0 {
		t.Fatalf("flags = %d, want 0", flags)
	}
	if string(b.FramePayload(off, sz)) != string(payload) {
		t.Fatalf("payload mismatch: got %q", b.FramePayload(off, sz))
	}

	ts1, off1 := b.IndexEntry(1)
	if ts1 != 1001 {
		t.Fatalf("index[1].timestamp = %d, want 1001", ts1)
	}
	if _, _, ok := b.ValidateFrame(off1, tag); !ok {
		t.Fatalf("validate frame 1: not ok")
	}
}

func TestBlock_ValidateFrameRejectsWrongUUID(t *testing.T) {
	const size = 64 * 1024
	f := tmpBlockFile(t, size)
	defer f.Close()

	b := openBlock(t, f, size)
	defer b.Unmap()

	if err := b.Recycle(1); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	tag := uuid.New()
	if err := b.AppendFrame(tag, 1, 0, []byte("payload")); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, off := b.IndexEntry(0)
	if _, _, ok := b.ValidateFrame(off, uuid.New()); ok {
		t.Fatalf("validate frame with wrong uuid: expected not ok")
	}
}

func TestBlock_AppendFullReturnsErrFull(t *testing.T) {
	const size = 4096
	f := tmpBlockFile(t, size)
	defer f.Close()

	b := openBlock(t, f, size)
	defer b.Unmap()

	if err := b.Recycle(1); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	tag := uuid.New()
	payload := make([]byte, 512)

	var appended int
	for i := 0; i < 100; i++ {
		err := b.AppendFrame(tag, int64(i+1), 0, payload)
		if err == ErrFull {
			break
		}
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		appended++
	}

	if appended == 0 {
		t.Fatalf("expected at least one frame to fit before ErrFull")
	}
	if err := b.AppendFrame(tag, 999, 0, payload); err != ErrFull {
		t.Fatalf("expected ErrFull once block is exhausted, got %v", err)
	}
}

func TestBlock_ScanRecoveryDetectsTornLastFrame(t *testing.T) {
	const size = 64 * 1024
	f := tmpBlockFile(t, size)
	defer f.Close()

	b := openBlock(t, f, size)
	defer b.Unmap()

	if err := b.Recycle(1); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	tag := uuid.New()
	if err := b.AppendFrame(tag, 1, 0, []byte("one")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := b.AppendFrame(tag, 2, 0, []byte("two")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	// Simulate a torn write: the index slot for frame 3 was committed
	// (n_valid_indexes bumped) but its frame body was never flushed before
	// a crash, so the UUID prefix at its offset is left zeroed.
	d := b.data()
	idxOff := HeaderSize + 2*IndexEntrySize
	fakeOffset := uint64(size - 64)
	putUint64LE(d[idxOff:idxOff+8], 3)
	putUint64LE(d[idxOff+8:idxOff+16], fakeOffset)
	if err := b.TruncateIndexCount(3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	lastValidIdx, lastTimestamp, found := b.ScanRecovery(tag)
	if !found {
		t.Fatalf("expected recovery scan to find a valid frame")
	}
	if lastValidIdx != 1 {
		t.Fatalf("lastValidIdx = %d, want 1", lastValidIdx)
	}
	if lastTimestamp != 2 {
		t.Fatalf("lastTimestamp = %d, want 2", lastTimestamp)
	}

	if err := b.TruncateIndexCount(uint32(lastValidIdx + 1)); err != nil {
		t.Fatalf("truncate after recovery: %v", err)
	}
	if n := b.NValidIndexes(); n != 2 {
		t.Fatalf("n_valid_indexes after recovery truncation = %d, want 2", n)
	}
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
