// Package store defines the storage capability interface implemented by
// the concrete backends (sqlite, memory, postgres, badgerdb).
//
// The interface is deliberately dumb: it persists and retrieves records
// keyed by (stream_id, seq) and enforces nothing beyond uniqueness.
// Ordering, idempotency, conflict detection, and retention policy all
// live above it in the authority log and snapshot manager, which is
// what keeps the core logic backend-agnostic.
package store

import (
	"context"
	"errors"

	"github.com/roach88/ledgerd/internal/entry"
)

// Sentinel errors shared by all backends. Callers match with errors.Is.
var (
	// ErrStreamNotFound is returned by reads on a stream that has never
	// committed an entry. First commit creates the stream implicitly.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrNoSnapshot is returned when a stream has no snapshot yet.
	ErrNoSnapshot = errors.New("no snapshot for stream")

	// ErrNoCursor is returned when a subscriber has no durable cursor.
	ErrNoCursor = errors.New("no cursor for subscriber")

	// ErrEntryNotFound is returned when a specific (stream, seq) entry
	// does not exist (never committed, or trimmed).
	ErrEntryNotFound = errors.New("entry not found")

	// ErrDuplicateSeq is returned when an append collides with an
	// existing (stream, seq) pair. Under the authority log's per-stream
	// serialization this indicates a bug or a second writer.
	ErrDuplicateSeq = errors.New("duplicate sequence for stream")
)

// Backend is the capability interface for durable ledger storage.
//
// Implementations must make AppendEntry atomic: the entry row, the
// idempotency index row, and the stream head advance commit together or
// not at all. Everything else is plain reads and writes.
//
// Keying requirements: entries unique by (stream_id, seq); idempotency
// index unique by (stream_id, idempotency_key) mapping to seq; snapshots
// keyed by (stream_id, seq); cursors keyed by (stream_id, client_id).
type Backend interface {
	// AppendEntry persists e, records its idempotency key, and advances
	// the stream head to e.Seq, creating the stream if needed. The whole
	// operation is atomic. Returns ErrDuplicateSeq if (stream, seq)
	// already exists.
	AppendEntry(ctx context.Context, e entry.LogEntry) error

	// Stream returns the stream's current head, retention floor, and
	// creation time. Returns ErrStreamNotFound for unknown streams.
	Stream(ctx context.Context, streamID string) (entry.StreamInfo, error)

	// ListStreams returns all known streams ordered by stream ID.
	ListStreams(ctx context.Context) ([]entry.StreamInfo, error)

	// Entry returns the single entry at (streamID, seq), or
	// ErrEntryNotFound.
	Entry(ctx context.Context, streamID string, seq int64) (entry.LogEntry, error)

	// ReadRange returns up to limit entries with seq >= fromSeq in
	// strictly increasing seq order. limit <= 0 means no limit. Trimmed
	// entries are simply absent; retention policy is enforced above.
	ReadRange(ctx context.Context, streamID string, fromSeq int64, limit int) ([]entry.LogEntry, error)

	// SeqForIdempotencyKey returns the seq previously committed under
	// (streamID, key), or ok=false if the key is unknown.
	SeqForIdempotencyKey(ctx context.Context, streamID, key string) (seq int64, ok bool, err error)

	// PutSnapshot stores a snapshot keyed by (stream_id, seq).
	// Overwriting the same key with identical state is a no-op.
	PutSnapshot(ctx context.Context, snap entry.Snapshot) error

	// LatestSnapshot returns the snapshot with the highest seq for the
	// stream, or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, streamID string) (entry.Snapshot, error)

	// SetRetentionFloor records the stream's retention floor. Floors
	// only move forward; a lower value than the current floor is an
	// error. Covering-snapshot validation happens in the snapshot
	// manager, not here.
	SetRetentionFloor(ctx context.Context, streamID string, floorSeq int64) error

	// PruneBelow physically deletes entries with seq <= upToSeq and
	// their idempotency index rows. Returns the number of entries
	// removed.
	PruneBelow(ctx context.Context, streamID string, upToSeq int64) (int64, error)

	// SaveCursor upserts a subscriber cursor.
	SaveCursor(ctx context.Context, c entry.Cursor) error

	// LoadCursor returns the durable cursor for (streamID, clientID),
	// or ErrNoCursor.
	LoadCursor(ctx context.Context, streamID, clientID string) (entry.Cursor, error)

	// Close releases backend resources.
	Close() error
}
