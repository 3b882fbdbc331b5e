package sqlite

import (
	"context"
	"fmt"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// AppendEntry persists an entry, its idempotency row, and the head
// advance in one transaction. A (stream, seq) collision rolls the whole
// transaction back and returns store.ErrDuplicateSeq.
func (s *Store) AppendEntry(ctx context.Context, e entry.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append entry: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO entries
		(stream_id, seq, idempotency_key, payload, committed_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id, seq) DO NOTHING
	`,
		e.StreamID,
		e.Seq,
		e.IdempotencyKey,
		e.Payload,
		e.CommittedAt.UnixNano(),
		e.PrevHash,
		e.Hash,
	)
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
		VALUES (?, ?, ?)
		ON CONFLICT(stream_id, idempotency_key) DO NOTHING
	`, e.StreamID, e.IdempotencyKey, e.Seq); err != nil {
		return fmt.Errorf("append entry: idempotency row: %w", err)
	}

	// Create-or-advance the stream head. The WHERE guard keeps head
	// monotonic even if an out-of-order append slips past the authority
	// log's serialization.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO streams (stream_id, head_seq, floor_seq, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(stream_id) DO UPDATE SET head_seq = excluded.head_seq
		WHERE excluded.head_seq > streams.head_seq
	`, e.StreamID, e.Seq, e.CommittedAt.UnixNano()); err != nil {
		return fmt.Errorf("append entry: advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append entry: commit: %w", err)
	}
	return nil
}

// PutSnapshot stores a snapshot. Re-putting the same (stream, seq) is a
// no-op; snapshot state at a fixed seq is deterministic so there is
// nothing to overwrite.
func (s *Store) PutSnapshot(ctx context.Context, snap entry.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_id, seq, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream_id, seq) DO NOTHING
	`, snap.StreamID, snap.Seq, snap.State, snap.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// SetRetentionFloor advances the stream's retention floor. Rejects
// unknown streams and backward moves.
func (s *Store) SetRetentionFloor(ctx context.Context, streamID string, floorSeq int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE streams SET floor_seq = ?
		WHERE stream_id = ? AND floor_seq <= ?
	`, floorSeq, streamID, floorSeq)
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

// PruneBelow deletes entries and their idempotency rows at or below
// upToSeq in one transaction.
func (s *Store) PruneBelow(ctx context.Context, streamID string, upToSeq int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM idempotency WHERE stream_id = ? AND seq <= ?
	`, streamID, upToSeq); err != nil {
		return 0, fmt.Errorf("prune: idempotency rows: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM entries WHERE stream_id = ? AND seq <= ?
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream_id, client_id) DO UPDATE SET
			last_delivered_seq = excluded.last_delivered_seq,
			issued_at = excluded.issued_at
	`, c.StreamID, c.ClientID, c.LastDeliveredSeq, c.IssuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
