// Package postgres is a PostgreSQL store.Backend for deployments that
// already run a managed database. Appends take a per-stream advisory
// lock so two ledgerd processes sharing one database cannot interleave
// writes to the same stream.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// Store is a PostgreSQL-backed store.Backend.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open connects to PostgreSQL and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates tables and indexes if they don't exist. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS streams (
		stream_id  TEXT PRIMARY KEY,
		head_seq   BIGINT NOT NULL DEFAULT 0,
		floor_seq  BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		stream_id       TEXT   NOT NULL,
		seq             BIGINT NOT NULL,
		idempotency_key TEXT   NOT NULL,
		payload         BYTEA  NOT NULL,
		committed_at    TIMESTAMPTZ NOT NULL,
		prev_hash       TEXT   NOT NULL DEFAULT '',
		hash            TEXT   NOT NULL DEFAULT '',
		PRIMARY KEY (stream_id, seq)
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		stream_id       TEXT   NOT NULL,
		idempotency_key TEXT   NOT NULL,
		seq             BIGINT NOT NULL,
		PRIMARY KEY (stream_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_stream_seq ON idempotency(stream_id, seq);

	CREATE TABLE IF NOT EXISTS snapshots (
		stream_id  TEXT   NOT NULL,
		seq        BIGINT NOT NULL,
		state      BYTEA  NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stream_id, seq)
	);

	CREATE TABLE IF NOT EXISTS cursors (
		stream_id          TEXT   NOT NULL,
		client_id          TEXT   NOT NULL,
		last_delivered_seq BIGINT NOT NULL,
		issued_at          TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stream_id, client_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// AppendEntry writes the entry, idempotency row, and head advance in
// one transaction, serialized per stream via an advisory lock.
func (s *Store) AppendEntry(ctx context.Context, e entry.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append entry: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", e.StreamID); err != nil {
		return fmt.Errorf("append entry: acquire lock: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO entries
		(stream_id, seq, idempotency_key, payload, committed_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stream_id, seq) DO NOTHING
	`, e.StreamID, e.Seq, e.IdempotencyKey, e.Payload, e.CommittedAt, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("append entry: insert: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append entry: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("append entry %s/%d: %w", e.StreamID, e.Seq, store.ErrDuplicateSeq)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency (stream_id, idempotency_key, seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id, idempotency_key) DO NOTHING
	`, e.StreamID, e.IdempotencyKey, e.Seq); err != nil {
		return fmt.Errorf("append entry: idempotency row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO streams (stream_id, head_seq, floor_seq, created_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (stream_id) DO UPDATE SET head_seq = EXCLUDED.head_seq
		WHERE EXCLUDED.head_seq > streams.head_seq
	`, e.StreamID, e.Seq, e.CommittedAt); err != nil {
		return fmt.Errorf("append entry: advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append entry: commit: %w", err)
	}
	return nil
}

// Stream returns the stream's current info.
func (s *Store) Stream(ctx context.Context, streamID string) (entry.StreamInfo, error) {
	var info entry.StreamInfo
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, head_seq, floor_seq, created_at
		FROM streams WHERE stream_id = $1
	`, streamID).Scan(&info.StreamID, &info.HeadSeq, &info.FloorSeq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.StreamInfo{}, fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}
	if err != nil {
		return entry.StreamInfo{}, fmt.Errorf("query stream: %w", err)
	}
	info.CreatedAt = createdAt.UTC()
	return info, nil
}

// ListStreams returns all streams ordered by stream ID.
func (s *Store) ListStreams(ctx context.Context) ([]entry.StreamInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, head_seq, floor_seq, created_at
		FROM streams ORDER BY stream_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	streams := []entry.StreamInfo{}
	for rows.Next() {
		var info entry.StreamInfo
		var createdAt time.Time
		if err := rows.Scan(&info.StreamID, &info.HeadSeq, &info.FloorSeq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		info.CreatedAt = createdAt.UTC()
		streams = append(streams, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return streams, nil
}

// Entry returns the entry at (streamID, seq).
func (s *Store) Entry(ctx context.Context, streamID string, seq int64) (entry.LogEntry, error) {
	var e entry.LogEntry
	var committedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, seq, idempotency_key, payload, committed_at, prev_hash, hash
		FROM entries WHERE stream_id = $1 AND seq = $2
	`, streamID, seq).Scan(&e.StreamID, &e.Seq, &e.IdempotencyKey, &e.Payload, &committedAt, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.LogEntry{}, fmt.Errorf("entry %s/%d: %w", streamID, seq, store.ErrEntryNotFound)
	}
	if err != nil {
		return entry.LogEntry{}, fmt.Errorf("query entry: %w", err)
	}
	e.CommittedAt = committedAt.UTC()
	return e, nil
}

// ReadRange returns up to limit entries with seq >= fromSeq in seq order.
func (s *Store) ReadRange(ctx context.Context, streamID string, fromSeq int64, limit int) ([]entry.LogEntry, error) {
	query := `
		SELECT stream_id, seq, idempotency_key, payload, committed_at, prev_hash, hash
		FROM entries
		WHERE stream_id = $1 AND seq >= $2
		ORDER BY seq ASC
	`
	args := []any{streamID, fromSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	entries := []entry.LogEntry{}
	for rows.Next() {
		var e entry.LogEntry
		var committedAt time.Time
		if err := rows.Scan(&e.StreamID, &e.Seq, &e.IdempotencyKey, &e.Payload, &committedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CommittedAt = committedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	return entries, nil
}

// SeqForIdempotencyKey returns the seq committed under (streamID, key).
func (s *Store) SeqForIdempotencyKey(ctx context.Context, streamID, key string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM idempotency WHERE stream_id = $1 AND idempotency_key = $2
	`, streamID, key).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return seq, true, nil
}

// PutSnapshot stores a snapshot; same (stream, seq) is a no-op.
func (s *Store) PutSnapshot(ctx context.Context, snap entry.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_id, seq, state, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id, seq) DO NOTHING
	`, snap.StreamID, snap.Seq, snap.State, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-seq snapshot for a stream.
func (s *Store) LatestSnapshot(ctx context.Context, streamID string) (entry.Snapshot, error) {
	var snap entry.Snapshot
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, seq, state, created_at
		FROM snapshots WHERE stream_id = $1
		ORDER BY seq DESC LIMIT 1
	`, streamID).Scan(&snap.StreamID, &snap.Seq, &snap.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.Snapshot{}, fmt.Errorf("snapshot for %q: %w", streamID, store.ErrNoSnapshot)
	}
	if err != nil {
		return entry.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snap.CreatedAt = createdAt.UTC()
	return snap, nil
}

// SetRetentionFloor advances the stream's retention floor.
func (s *Store) SetRetentionFloor(ctx context.Context, streamID string, floorSeq int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE streams SET floor_seq = $1
		WHERE stream_id = $2 AND floor_seq <= $1
	`, floorSeq, streamID)
	if err != nil {
		return fmt.Errorf("set retention floor: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set retention floor: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("set retention floor %s to %d: floor moves forward only", streamID, floorSeq)
	}
	return nil
}

// PruneBelow deletes entries and idempotency rows at or below upToSeq.
func (s *Store) PruneBelow(ctx context.Context, streamID string, upToSeq int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM idempotency WHERE stream_id = $1 AND seq <= $2
	`, streamID, upToSeq); err != nil {
		return 0, fmt.Errorf("prune: idempotency rows: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM entries WHERE stream_id = $1 AND seq <= $2
	`, streamID, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("prune: entries: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune: commit: %w", err)
	}
	return removed, nil
}

// SaveCursor upserts a subscriber cursor.
func (s *Store) SaveCursor(ctx context.Context, c entry.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (stream_id, client_id, last_delivered_seq, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id, client_id) DO UPDATE SET
			last_delivered_seq = EXCLUDED.last_delivered_seq,
			issued_at = EXCLUDED.issued_at
	`, c.StreamID, c.ClientID, c.LastDeliveredSeq, c.IssuedAt)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the durable cursor for (streamID, clientID).
func (s *Store) LoadCursor(ctx context.Context, streamID, clientID string) (entry.Cursor, error) {
	var c entry.Cursor
	var issuedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, client_id, last_delivered_seq, issued_at
		FROM cursors WHERE stream_id = $1 AND client_id = $2
	`, streamID, clientID).Scan(&c.StreamID, &c.ClientID, &c.LastDeliveredSeq, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.Cursor{}, fmt.Errorf("cursor %s/%s: %w", streamID, clientID, store.ErrNoCursor)
	}
	if err != nil {
		return entry.Cursor{}, fmt.Errorf("query cursor: %w", err)
	}
	c.IssuedAt = issuedAt.UTC()
	return c, nil
}
