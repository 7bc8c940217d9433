// Package catalog implements the Metadata Catalog component: the sqlite
// database tracking block lifecycle (free/reserved/used) and the
// segment/segment_block tree that maps a stream tag's timeline onto
// container blocks.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row query helpers when no row matches.
var ErrNotFound = errors.New("catalog: not found")

// Options configures the underlying sqlite connection.
type Options struct {
	// BusyTimeout bounds how long a statement waits on a locked database
	// before failing. Defaults to 5s.
	BusyTimeout time.Duration
	// StaleReservationAge is how long a block must have sat in 'reserved'
	// before PromoteStaleReserved promotes it to 'used'. Mirrors
	// the original implementation's 10-second window.
	StaleReservationAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.StaleReservationAge <= 0 {
		o.StaleReservationAge = 10 * time.Second
	}
	return o
}

// DB wraps the catalog's sqlite connection.
type DB struct {
	sql  *sql.DB
	opts Options
}

// Open opens (creating if absent) the catalog database at path and applies
// the PRAGMAs the teacher's db_sqlite.go establishes for WAL concurrency.
func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, opts.BusyTimeout.Milliseconds())
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: cannot open %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}

	return &DB{sql: sqldb, opts: opts}, nil
}

// Close closes the catalog connection.
func (d *DB) Close() error { return d.sql.Close() }

// EnsureSchema creates the catalog tables/trigger/indexes if absent.
func (d *DB) EnsureSchema(ctx context.Context) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin schema tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: schema statement failed: %w", err)
		}
	}

	return tx.Commit()
}

// SeedBlocks inserts nBlocks free rows with idx 0..nBlocks-1. Called once
// right after EnsureSchema when a container is first allocated.
func (d *DB) SeedBlocks(ctx context.Context, nBlocks int) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin seed tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO blocks(idx, status) VALUES(?, 'free')`)
	if err != nil {
		return fmt.Errorf("catalog: prepare seed: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < nBlocks; i++ {
		if _, err := stmt.ExecContext(ctx, i); err != nil {
			return fmt.Errorf("catalog: seed block %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ReservedBlock identifies a catalog block handed to a caller for use.
type ReservedBlock struct {
	BlockID int64
	BlockIdx int
}

// ReserveFreeBlock atomically claims one block with status 'free'.
func (d *DB) ReserveFreeBlock(ctx context.Context) (ReservedBlock, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	var rb ReservedBlock
	err = tx.QueryRowContext(ctx, `SELECT id, idx FROM blocks WHERE status = 'free' ORDER BY idx LIMIT 1`).
		Scan(&rb.BlockID, &rb.BlockIdx)
	if errors.Is(err, sql.ErrNoRows) {
		return ReservedBlock{}, ErrNotFound
	}
	if err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: reserve free block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status='reserved', reserved_at=CURRENT_TIMESTAMP WHERE id=?`, rb.BlockID); err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: mark block reserved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: commit reserve: %w", err)
	}
	return rb, nil
}

// ReclaimOldest steals the block belonging to the oldest finalized
// segment_block among 'used' or 'reserved' blocks, per nanots.cpp's
// _db_reclaim_oldest_used_block ordering (end_timestamp ASC, reserved_at
// ASC) — not just status='used' as a literal reading of the prose spec
// might suggest. The stolen block's old segment_block row is deleted
// (which may in turn delete its now-empty segment via the trigger).
func (d *DB) ReclaimOldest(ctx context.Context) (ReservedBlock, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: begin reclaim tx: %w", err)
	}
	defer tx.Rollback()

	var rb ReservedBlock
	err = tx.QueryRowContext(ctx, `
		SELECT b.id, b.idx
		FROM segment_blocks sb
		JOIN blocks b ON b.id = sb.block_id
		WHERE sb.end_timestamp != 0 AND (b.status = 'used' OR b.status = 'reserved')
		ORDER BY sb.end_timestamp ASC, b.reserved_at ASC
		LIMIT 1`).Scan(&rb.BlockID, &rb.BlockIdx)
	if errors.Is(err, sql.ErrNoRows) {
		return ReservedBlock{}, ErrNotFound
	}
	if err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: reclaim oldest: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_blocks WHERE block_id = ?`, rb.BlockID); err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: evict segment_block for reclaimed block: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status='reserved', reserved_at=CURRENT_TIMESTAMP WHERE id=?`, rb.BlockID); err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: mark reclaimed block reserved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReservedBlock{}, fmt.Errorf("catalog: commit reclaim: %w", err)
	}
	return rb, nil
}

// GetOrReclaim tries ReserveFreeBlock, then falls back to ReclaimOldest
// when autoReclaim is enabled. ErrNotFound means the caller should
// surface CodeNoFreeBlocks.
func (d *DB) GetOrReclaim(ctx context.Context, autoReclaim bool) (ReservedBlock, error) {
	rb, err := d.ReserveFreeBlock(ctx)
	if err == nil {
		return rb, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ReservedBlock{}, err
	}
	if !autoReclaim {
		return ReservedBlock{}, ErrNotFound
	}
	return d.ReclaimOldest(ctx)
}

// CreateSegment inserts a new segment row for a stream tag.
func (d *DB) CreateSegment(ctx context.Context, streamTag, metadata string) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO segments(stream_tag, metadata) VALUES(?, ?)`, streamTag, metadata)
	if err != nil {
		return 0, fmt.Errorf("catalog: create segment: %w", err)
	}
	return res.LastInsertId()
}

// CreateSegmentBlock records that blockID/blockIdx now holds sequence
// number `sequence` of segmentID's timeline, starting at startTimestamp.
// The block itself is left 'reserved' — per nanots.cpp's
// _db_create_segment_block, attaching a segment_block does not by itself
// promote the block; PromoteStaleReserved's maintenance sweep is what
// moves 'reserved' blocks to 'used' once they have aged past
// StaleReservationAge.
func (d *DB) CreateSegmentBlock(ctx context.Context, segmentID int64, sequence int, blockID int64, blockIdx int, startTimestamp int64, tag uuid.UUID) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO segment_blocks(segment_id, sequence, block_id, block_idx, start_timestamp, end_timestamp, uuid)
		VALUES(?, ?, ?, ?, ?, 0, ?)`,
		segmentID, sequence, blockID, blockIdx, startTimestamp, tag.String())
	if err != nil {
		return 0, fmt.Errorf("catalog: create segment_block: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: create segment_block id: %w", err)
	}
	return id, nil
}

// FinalizeSegmentBlock stamps the closing timestamp of a segment_block once
// its block is full or its writer rolls over.
func (d *DB) FinalizeSegmentBlock(ctx context.Context, segmentBlockID int64, endTimestamp int64) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE segment_blocks SET end_timestamp=? WHERE id=?`, endTimestamp, segmentBlockID)
	if err != nil {
		return fmt.Errorf("catalog: finalize segment_block: %w", err)
	}
	return nil
}

// PromoteStaleReserved promotes every block that has sat in 'reserved' for
// longer than StaleReservationAge to 'used', per nanots.cpp's
// _db_trans_finalize_reserved_blocks maintenance sweep. A write context
// runs this after closing so a block it attached a segment_block to (and
// that therefore never transitions through ReserveFreeBlock again) still
// ends up 'used' rather than staying 'reserved' forever.
func (d *DB) PromoteStaleReserved(ctx context.Context) error {
	cutoff := time.Now().Add(-d.opts.StaleReservationAge).UTC().Format("2006-01-02 15:04:05")
	_, err := d.sql.ExecContext(ctx, `
		UPDATE blocks SET status='used'
		WHERE status='reserved'
		  AND reserved_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("catalog: promote stale reserved: %w", err)
	}
	return nil
}

// FreeBlocksInRange implements Writer.free_blocks: any segment_block for
// streamTag fully contained in [start,end] and already finalized
// (end_timestamp != 0) is deleted and its block returned to 'free'.
func (d *DB) FreeBlocksInRange(ctx context.Context, streamTag string, start, end int64) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin free_blocks tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT sb.id, sb.block_id
		FROM segment_blocks sb
		JOIN segments s ON s.id = sb.segment_id
		WHERE s.stream_tag = ? AND sb.start_timestamp >= ? AND sb.end_timestamp <= ? AND sb.end_timestamp != 0`,
		streamTag, start, end)
	if err != nil {
		return fmt.Errorf("catalog: query free_blocks candidates: %w", err)
	}

	type victim struct {
		segmentBlockID int64
		blockID        int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.segmentBlockID, &v.blockID); err != nil {
			rows.Close()
			return fmt.Errorf("catalog: scan free_blocks candidate: %w", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("catalog: iterate free_blocks candidates: %w", err)
	}
	rows.Close()

	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM segment_blocks WHERE id=?`, v.segmentBlockID); err != nil {
			return fmt.Errorf("catalog: delete segment_block %d: %w", v.segmentBlockID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status='free', reserved_at=NULL WHERE id=?`, v.blockID); err != nil {
			return fmt.Errorf("catalog: free block %d: %w", v.blockID, err)
		}
	}

	return tx.Commit()
}
