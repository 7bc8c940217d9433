package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SegmentBlockRow is one row of the segment_blocks/segments/blocks join
// used throughout the Reader and Iterator.
type SegmentBlockRow struct {
	SegmentBlockID int64
	SegmentID      int64
	Sequence       int
	BlockID        int64
	BlockIdx       int
	StartTimestamp int64
	EndTimestamp   int64
	UUID           uuid.UUID
	StreamTag      string
	Metadata       string
}

const segmentBlockSelect = `
	SELECT sb.id, sb.segment_id, sb.sequence, sb.block_id, sb.block_idx,
	       sb.start_timestamp, sb.end_timestamp, sb.uuid, s.stream_tag, s.metadata
	FROM segment_blocks sb
	JOIN segments s ON s.id = sb.segment_id`

func scanSegmentBlockRow(row interface{ Scan(...any) error }) (SegmentBlockRow, error) {
	var r SegmentBlockRow
	var uidStr string
	if err := row.Scan(&r.SegmentBlockID, &r.SegmentID, &r.Sequence, &r.BlockID, &r.BlockIdx,
		&r.StartTimestamp, &r.EndTimestamp, &uidStr, &r.StreamTag, &r.Metadata); err != nil {
		return SegmentBlockRow{}, err
	}
	u, err := uuid.Parse(uidStr)
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: corrupt uuid column %q: %w", uidStr, err)
	}
	r.UUID = u
	return r, nil
}

// QueryStreamTags returns every distinct stream tag with a segment_block
// intersecting [start,end], per nanots.cpp's query_stream_tags.
func (d *DB) QueryStreamTags(ctx context.Context, start, end int64) ([]string, error) {
	query := `
		SELECT DISTINCT s.stream_tag
		FROM segments s
		JOIN segment_blocks sb ON s.id = sb.segment_id
		WHERE sb.start_timestamp <= ? AND (sb.end_timestamp >= ? OR sb.end_timestamp = 0)
		ORDER BY s.stream_tag`
	rows, err := d.sql.QueryContext(ctx, query, end, start)
	if err != nil {
		return nil, fmt.Errorf("catalog: query stream tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("catalog: scan stream tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// QueryRange returns, in sequence order, every segment_block of streamTag
// that overlaps [start,end]: a block containing no data in range is
// excluded, but an still-open block (end_timestamp == 0) is always
// considered a candidate since its true end is unknown.
func (d *DB) QueryRange(ctx context.Context, streamTag string, start, end int64) ([]SegmentBlockRow, error) {
	query := segmentBlockSelect + `
		WHERE s.stream_tag = ? AND sb.start_timestamp <= ? AND (sb.end_timestamp >= ? OR sb.end_timestamp = 0)
		ORDER BY sb.segment_id, sb.sequence`
	rows, err := d.sql.QueryContext(ctx, query, streamTag, end, start)
	if err != nil {
		return nil, fmt.Errorf("catalog: query range: %w", err)
	}
	defer rows.Close()

	var out []SegmentBlockRow
	for rows.Next() {
		r, err := scanSegmentBlockRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetBySegmentAndSequence fetches one block by its (segment, sequence) key,
// the Iterator's cache key per nanots.cpp's _get_block_by_segment_and_sequence.
func (d *DB) GetBySegmentAndSequence(ctx context.Context, segmentID int64, sequence int) (SegmentBlockRow, error) {
	query := segmentBlockSelect + ` WHERE sb.segment_id = ? AND sb.sequence = ?`
	r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, query, segmentID, sequence))
	if errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: get by segment/sequence: %w", err)
	}
	return r, nil
}

// GetFirstBlock returns the earliest block (lowest segment id, then lowest
// sequence) for streamTag.
func (d *DB) GetFirstBlock(ctx context.Context, streamTag string) (SegmentBlockRow, error) {
	query := segmentBlockSelect + `
		WHERE s.stream_tag = ?
		ORDER BY sb.segment_id ASC, sb.sequence ASC
		LIMIT 1`
	r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, query, streamTag))
	if errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: get first block: %w", err)
	}
	return r, nil
}

// GetLastBlock returns the latest block (highest segment id, then highest
// sequence) for streamTag.
func (d *DB) GetLastBlock(ctx context.Context, streamTag string) (SegmentBlockRow, error) {
	query := segmentBlockSelect + `
		WHERE s.stream_tag = ?
		ORDER BY sb.segment_id DESC, sb.sequence DESC
		LIMIT 1`
	r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, query, streamTag))
	if errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: get last block: %w", err)
	}
	return r, nil
}

// GetNextBlock implements nanots.cpp's _get_next_block: same segment, next
// sequence first; otherwise the first sequence of the next segment (by id)
// for the same stream tag.
func (d *DB) GetNextBlock(ctx context.Context, streamTag string, segmentID int64, sequence int) (SegmentBlockRow, error) {
	sameSegQuery := segmentBlockSelect + ` WHERE sb.segment_id = ? AND sb.sequence = ?`
	r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, sameSegQuery, segmentID, sequence+1))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, fmt.Errorf("catalog: get next block (same segment): %w", err)
	}

	nextSegQuery := segmentBlockSelect + `
		WHERE s.stream_tag = ? AND sb.segment_id > ?
		ORDER BY sb.segment_id ASC, sb.sequence ASC
		LIMIT 1`
	r, err = scanSegmentBlockRow(d.sql.QueryRowContext(ctx, nextSegQuery, streamTag, segmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: get next block (next segment): %w", err)
	}
	return r, nil
}

// GetPrevBlock is GetNextBlock's mirror image.
func (d *DB) GetPrevBlock(ctx context.Context, streamTag string, segmentID int64, sequence int) (SegmentBlockRow, error) {
	if sequence > 0 {
		sameSegQuery := segmentBlockSelect + ` WHERE sb.segment_id = ? AND sb.sequence = ?`
		r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, sameSegQuery, segmentID, sequence-1))
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return SegmentBlockRow{}, fmt.Errorf("catalog: get prev block (same segment): %w", err)
		}
	}

	prevSegQuery := segmentBlockSelect + `
		WHERE s.stream_tag = ? AND sb.segment_id < ?
		ORDER BY sb.segment_id DESC, sb.sequence DESC
		LIMIT 1`
	r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, prevSegQuery, streamTag, segmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: get prev block (prev segment): %w", err)
	}
	return r, nil
}

// FindBlockForTimestamp implements nanots.cpp's two-query find(ts): first
// the block that actually contains ts, then — if none does, e.g. ts falls
// before the stream's first frame — the earliest block that starts at or
// after ts.
func (d *DB) FindBlockForTimestamp(ctx context.Context, streamTag string, ts int64) (SegmentBlockRow, error) {
	containing := segmentBlockSelect + `
		WHERE s.stream_tag = ? AND sb.start_timestamp <= ? AND (sb.end_timestamp >= ? OR sb.end_timestamp = 0)
		ORDER BY sb.segment_id ASC, sb.sequence ASC
		LIMIT 1`
	r, err := scanSegmentBlockRow(d.sql.QueryRowContext(ctx, containing, streamTag, ts, ts))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, fmt.Errorf("catalog: find block for timestamp (containing): %w", err)
	}

	fallback := segmentBlockSelect + `
		WHERE s.stream_tag = ? AND sb.start_timestamp >= ?
		ORDER BY sb.start_timestamp ASC, sb.segment_id ASC, sb.sequence ASC
		LIMIT 1`
	r, err = scanSegmentBlockRow(d.sql.QueryRowContext(ctx, fallback, streamTag, ts))
	if errors.Is(err, sql.ErrNoRows) {
		return SegmentBlockRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentBlockRow{}, fmt.Errorf("catalog: find block for timestamp (fallback): %w", err)
	}
	return r, nil
}

// QueryOpenSegmentBlocks returns every segment_block whose end_timestamp is
// still 0 — the set a writer must recovery-scan on open, per §4.3.4.
func (d *DB) QueryOpenSegmentBlocks(ctx context.Context) ([]SegmentBlockRow, error) {
	query := segmentBlockSelect + ` WHERE sb.end_timestamp = 0`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: query open segment_blocks: %w", err)
	}
	defer rows.Close()

	var out []SegmentBlockRow
	for rows.Next() {
		r, err := scanSegmentBlockRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ContiguousSegment is one run of consecutive-sequence segment_blocks
// sharing a segment, per nanots.cpp's query_contiguous_segments.
type ContiguousSegment struct {
	SegmentID      int64
	StreamTag      string
	Metadata       string
	FirstSequence  int
	LastSequence   int
	StartTimestamp int64
	EndTimestamp   int64
}

// QueryContiguousSegments groups streamTag's segment_blocks intersecting
// [start,end] into maximal runs of consecutive sequence numbers, using the
// same ROW_NUMBER() OVER (...) - sequence grouping trick as the original,
// applied after the same start/end filter as QueryRange (§4.5.3/§6.2).
func (d *DB) QueryContiguousSegments(ctx context.Context, streamTag string, start, end int64) ([]ContiguousSegment, error) {
	query := `
		WITH numbered AS (
			SELECT sb.segment_id, sb.sequence, sb.start_timestamp, sb.end_timestamp,
			       s.stream_tag, s.metadata,
			       ROW_NUMBER() OVER (PARTITION BY sb.segment_id ORDER BY sb.sequence) - sb.sequence AS group_key
			FROM segment_blocks sb
			JOIN segments s ON s.id = sb.segment_id
			WHERE s.stream_tag = ? AND sb.start_timestamp <= ? AND (sb.end_timestamp >= ? OR sb.end_timestamp = 0)
		)
		SELECT segment_id, stream_tag, metadata,
		       MIN(sequence), MAX(sequence),
		       MIN(start_timestamp), MAX(end_timestamp)
		FROM numbered
		GROUP BY segment_id, group_key
		ORDER BY segment_id, MIN(sequence)`

	rows, err := d.sql.QueryContext(ctx, query, streamTag, end, start)
	if err != nil {
		return nil, fmt.Errorf("catalog: query contiguous segments: %w", err)
	}
	defer rows.Close()

	var out []ContiguousSegment
	for rows.Next() {
		var cs ContiguousSegment
		if err := rows.Scan(&cs.SegmentID, &cs.StreamTag, &cs.Metadata,
			&cs.FirstSequence, &cs.LastSequence, &cs.StartTimestamp, &cs.EndTimestamp); err != nil {
			return nil, fmt.Errorf("catalog: scan contiguous segment: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
