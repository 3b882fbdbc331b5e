package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// Stream returns head, floor, and creation time for a stream.
func (s *Store) Stream(ctx context.Context, streamID string) (entry.StreamInfo, error) {
	var info entry.StreamInfo
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, head_seq, floor_seq, created_at
		FROM streams WHERE stream_id = ?
	`, streamID).Scan(&info.StreamID, &info.HeadSeq, &info.FloorSeq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.StreamInfo{}, fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}
	if err != nil {
		return entry.StreamInfo{}, fmt.Errorf("query stream: %w", err)
	}
	info.CreatedAt = time.Unix(0, createdAt).UTC()
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

	var streams []entry.StreamInfo
	for rows.Next() {
		var info entry.StreamInfo
		var createdAt int64
		if err := rows.Scan(&info.StreamID, &info.HeadSeq, &info.FloorSeq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		info.CreatedAt = time.Unix(0, createdAt).UTC()
		streams = append(streams, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	if streams == nil {
		streams = []entry.StreamInfo{}
	}
	return streams, nil
}

// Entry returns the entry at (streamID, seq).
func (s *Store) Entry(ctx context.Context, streamID string, seq int64) (entry.LogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, seq, idempotency_key, payload, committed_at, prev_hash, hash
		FROM entries WHERE stream_id = ? AND seq = ?
	`, streamID, seq)

	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.LogEntry{}, fmt.Errorf("entry %s/%d: %w", streamID, seq, store.ErrEntryNotFound)
	}
	if err != nil {
		return entry.LogEntry{}, fmt.Errorf("query entry: %w", err)
	}
	return e, nil
}

// ReadRange returns up to limit entries with seq >= fromSeq in strictly
// increasing seq order. Ordering by seq alone is deterministic because
// (stream_id, seq) is the primary key.
func (s *Store) ReadRange(ctx context.Context, streamID string, fromSeq int64, limit int) ([]entry.LogEntry, error) {
	query := `
		SELECT stream_id, seq, idempotency_key, payload, committed_at, prev_hash, hash
		FROM entries
		WHERE stream_id = ? AND seq >= ?
		ORDER BY seq ASC
	`
	args := []any{streamID, fromSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var entries []entry.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	if entries == nil {
		entries = []entry.LogEntry{}
	}
	return entries, nil
}

// SeqForIdempotencyKey returns the seq committed under (streamID, key).
func (s *Store) SeqForIdempotencyKey(ctx context.Context, streamID, key string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM idempotency
		WHERE stream_id = ? AND idempotency_key = ?
	`, streamID, key).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return seq, true, nil
}

// LatestSnapshot returns the highest-seq snapshot for a stream.
func (s *Store) LatestSnapshot(ctx context.Context, streamID string) (entry.Snapshot, error) {
	var snap entry.Snapshot
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, seq, state, created_at
		FROM snapshots WHERE stream_id = ?
		ORDER BY seq DESC LIMIT 1
	`, streamID).Scan(&snap.StreamID, &snap.Seq, &snap.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.Snapshot{}, fmt.Errorf("snapshot for %q: %w", streamID, store.ErrNoSnapshot)
	}
	if err != nil {
		return entry.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return snap, nil
}

// LoadCursor returns the durable cursor for (streamID, clientID).
func (s *Store) LoadCursor(ctx context.Context, streamID, clientID string) (entry.Cursor, error) {
	var c entry.Cursor
	var issuedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, client_id, last_delivered_seq, issued_at
		FROM cursors WHERE stream_id = ? AND client_id = ?
	`, streamID, clientID).Scan(&c.StreamID, &c.ClientID, &c.LastDeliveredSeq, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.Cursor{}, fmt.Errorf("cursor %s/%s: %w", streamID, clientID, store.ErrNoCursor)
	}
	if err != nil {
		return entry.Cursor{}, fmt.Errorf("query cursor: %w", err)
	}
	c.IssuedAt = time.Unix(0, issuedAt).UTC()
	return c, nil
}

// scanEntry reads one entry row via the given scan function, so it
// works for both sql.Row and sql.Rows.
func scanEntry(scan func(dest ...any) error) (entry.LogEntry, error) {
	var e entry.LogEntry
	var committedAt int64
	if err := scan(&e.StreamID, &e.Seq, &e.IdempotencyKey, &e.Payload, &committedAt, &e.PrevHash, &e.Hash); err != nil {
		return entry.LogEntry{}, err
	}
	e.CommittedAt = time.Unix(0, committedAt).UTC()
	return e, nil
}
