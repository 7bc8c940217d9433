package catalog

// schemaStatements creates the three catalog tables, the trigger that
// garbage-collects segments left with no blocks, and the indexes the
// Reader/Iterator query paths depend on. Grounded on nanots.cpp's
// allocate() DDL block, adapted from the teacher's transactional
// EnsureSchema pattern (vectordb/coord/sqlite/db_sqlite.go).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		id INTEGER PRIMARY KEY,
		idx INTEGER NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK(status IN ('free','reserved','used')),
		reserved_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS segments (
		id INTEGER PRIMARY KEY,
		stream_tag TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS segment_blocks (
		id INTEGER PRIMARY KEY,
		segment_id INTEGER NOT NULL REFERENCES segments(id),
		sequence INTEGER NOT NULL,
		block_id INTEGER NOT NULL REFERENCES blocks(id),
		block_idx INTEGER NOT NULL,
		start_timestamp INTEGER NOT NULL,
		end_timestamp INTEGER NOT NULL DEFAULT 0,
		uuid TEXT NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS delete_empty_segments
		AFTER DELETE ON segment_blocks
		BEGIN
			DELETE FROM segments
			WHERE id = old.segment_id
			  AND NOT EXISTS (SELECT 1 FROM segment_blocks WHERE segment_id = old.segment_id);
		END`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_status ON blocks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_stream_tag ON segments(stream_tag)`,
	`CREATE INDEX IF NOT EXISTS idx_segment_blocks_segment_sequence ON segment_blocks(segment_id, sequence)`,
	`CREATE INDEX IF NOT EXISTS idx_segment_blocks_block_id ON segment_blocks(block_id)`,
}
