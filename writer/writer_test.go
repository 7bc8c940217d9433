package writer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestContainer(t *testing.T, blockSize, nBlocks int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.nts")
	if err := Allocate(path, AllocateOptions{BlockSize: blockSize, NBlocks: nBlocks}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return path
}

func TestWriteContext_AppendAndFinalize(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 4)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := wc.Write(ctx, int64(i+1), 0, []byte("frame")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if err := wc.Close(ctx); err != nil {
		t.Fatalf("close write context: %v", err)
	}

	row, err := w.db.GetBySegmentAndSequence(ctx, wc.segmentID, 0)
	if err != nil {
		t.Fatalf("get segment_block: %v", err)
	}
	if row.EndTimestamp != 5 {
		t.Fatalf("end_timestamp = %d, want 5", row.EndTimestamp)
	}
}

func TestWriteContext_DuplicateStreamTagRejected(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 4)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	defer wc.Close(ctx)

	if _, err := w.CreateWriteContext(ctx, "cam1", ""); !errors.Is(err, ErrDuplicateStreamTag) {
		t.Fatalf("expected ErrDuplicateStreamTag, got %v", err)
	}
}

func TestWriteContext_NonMonotonicTimestampRejected(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 4)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	defer wc.Close(ctx)

	if err := wc.Write(ctx, 100, 0, []byte("a")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := wc.Write(ctx, 100, 0, []byte("b")); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Fatalf("expected ErrNonMonotonicTimestamp for equal timestamp, got %v", err)
	}
	if err := wc.Write(ctx, 50, 0, []byte("c")); !errors.Is(err, ErrNonMonotonicTimestamp) {
		t.Fatalf("expected ErrNonMonotonicTimestamp for earlier timestamp, got %v", err)
	}
}

func TestWriteContext_RowTooBigRejected(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 4)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	defer wc.Close(ctx)

	huge := make([]byte, 65536)
	if err := wc.Write(ctx, 1, 0, huge); !errors.Is(err, ErrRowSizeTooBig) {
		t.Fatalf("expected ErrRowSizeTooBig, got %v", err)
	}
}

func TestWriteContext_RolloverAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 8)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	defer wc.Close(ctx)

	payload := make([]byte, 2048)
	for i := 0; i < 200; i++ {
		if err := wc.Write(ctx, int64(i+1), 0, payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if wc.sequence == 0 {
		t.Fatalf("expected at least one rollover to a new block, sequence stayed 0")
	}
}

func TestWriter_NoFreeBlocksWithoutAutoReclaim(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 1)

	w, err := Open(path, Options{AutoReclaim: false})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc1, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context 1: %v", err)
	}
	defer wc1.Close(ctx)
	if err := wc1.Write(ctx, 1, 0, []byte("a")); err != nil {
		t.Fatalf("write to context 1: %v", err)
	}

	wc2, err := w.CreateWriteContext(ctx, "cam2", "")
	if err != nil {
		t.Fatalf("create write context 2: %v", err)
	}
	defer wc2.Close(ctx)
	if err := wc2.Write(ctx, 1, 0, []byte("b")); !errors.Is(err, ErrNoFreeBlocks) {
		t.Fatalf("expected ErrNoFreeBlocks, got %v", err)
	}
}

func TestWriter_FreeBlocksReturnsBlockToPool(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 1)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	if err := wc.Write(ctx, 1, 0, []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wc.Close(ctx); err != nil {
		t.Fatalf("close write context: %v", err)
	}

	if err := w.FreeBlocks(ctx, "cam1", 0, 1000); err != nil {
		t.Fatalf("free blocks: %v", err)
	}

	if _, err := w.db.ReserveFreeBlock(ctx); err != nil {
		t.Fatalf("expected a free block after FreeBlocks, got %v", err)
	}
}

func TestWriter_RecoversTornWriteOnReopen(t *testing.T) {
	ctx := context.Background()
	path := newTestContainer(t, 65536, 4)

	w, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	if err := wc.Write(ctx, 10, 0, []byte("one")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := wc.Write(ctx, 20, 0, []byte("two")); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	// Simulate a crash: tear the second frame's UUID prefix (as if the
	// frame body write never completed) without touching its index entry,
	// then close the Writer without finalizing the WriteContext (so the
	// segment_block stays open, end_timestamp==0).
	d := wc.currentMapping.Bytes()
	_, lastOffset := wc.currentBlock.IndexEntry(1)
	for i := 0; i < 16; i++ {
		d[int(lastOffset)+i] = 0xFF
	}

	w.db.Close()
	w.c.Close()

	w2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	defer w2.Close()

	row, err := w2.db.GetBySegmentAndSequence(ctx, wc.segmentID, 0)
	if err != nil {
		t.Fatalf("get segment_block after recovery: %v", err)
	}
	if row.EndTimestamp != 10 {
		t.Fatalf("end_timestamp after recovery = %d, want 10 (only the first frame survives)", row.EndTimestamp)
	}
}
