package nanots

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestEndToEndWriteAndRead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stream.nts")

	if err := Allocate(path, 65536, 4); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	w, err := OpenWriter(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}

	wc, err := w.CreateWriteContext(ctx, "cam1", "front door")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := wc.Write(ctx, int64(i+1), 0, []byte("frame-data")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := wc.Close(ctx); err != nil {
		t.Fatalf("close write context: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	var got int
	err = r.Read(ctx, "cam1", 1, 20, func(f Frame) (bool, error) {
		got++
		return true, nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 20 {
		t.Fatalf("read %d frames, want 20", got)
	}

	tags, err := r.QueryStreamTags(ctx, 1, 20)
	if err != nil {
		t.Fatalf("query stream tags: %v", err)
	}
	if len(tags) != 1 || tags[0] != "cam1" {
		t.Fatalf("stream tags = %v, want [cam1]", tags)
	}
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stream.nts")

	if err := Allocate(path, 65536, 1); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	w, err := OpenWriter(path, Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	wc, err := w.CreateWriteContext(ctx, "cam1", "")
	if err != nil {
		t.Fatalf("create write context: %v", err)
	}
	defer wc.Close(ctx)

	if _, err := w.CreateWriteContext(ctx, "cam1", ""); err == nil {
		t.Fatalf("expected an error creating a duplicate write context")
	} else {
		var nErr *Error
		if !errors.As(err, &nErr) {
			t.Fatalf("expected *nanots.Error, got %T", err)
		}
		if nErr.Code != CodeDuplicateStreamTag {
			t.Fatalf("code = %v, want CodeDuplicateStreamTag", nErr.Code)
		}
	}
}

func TestAllocateRejectsInvalidBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.nts")

	err := Allocate(path, 100, 4)
	if err == nil {
		t.Fatalf("expected error for undersized block")
	}
	var nErr *Error
	if !errors.As(err, &nErr) {
		t.Fatalf("expected *nanots.Error, got %T", err)
	}
	if nErr.Code != CodeInvalidBlockSize {
		t.Fatalf("code = %v, want CodeInvalidBlockSize", nErr.Code)
	}
}
