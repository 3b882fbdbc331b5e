package entry

import "time"

// LogEntry is one committed mutation in a stream.
//
// Entries are immutable once committed. Seq starts at 1 and increases by
// exactly 1 per commit within a stream. IdempotencyKey is caller-supplied
// and unique within the stream's retention window.
//
// PrevHash/Hash form an optional tamper-evident chain. When chaining is
// disabled both fields are empty. When enabled, Hash covers the entry
// header and payload plus PrevHash, so any rewrite of history breaks
// every later link.
type LogEntry struct {
	StreamID       string
	Seq            int64
	IdempotencyKey string
	Payload        []byte
	CommittedAt    time.Time
	PrevHash       string
	Hash           string
}

// StreamInfo describes the current state of a stream as the authority
// log sees it.
type StreamInfo struct {
	StreamID  string
	HeadSeq   int64
	FloorSeq  int64 // retention floor: entries at or below may be trimmed
	CreatedAt time.Time
}

// Snapshot is the materialized state of a stream at a specific seq.
//
// A snapshot references a seq value only, never log storage directly, so
// snapshots and entries can be stored and garbage-collected
// independently. Folding all entries with seq > Snapshot.Seq onto State
// must reproduce the live head state byte for byte.
type Snapshot struct {
	StreamID  string
	Seq       int64
	State     []byte
	CreatedAt time.Time
}

// Cursor is a subscriber's durable position in a stream.
//
// A cursor is owned by exactly one subscriber and advanced only by
// acknowledged delivery. LastDeliveredSeq below the stream's retention
// floor makes the cursor stale.
type Cursor struct {
	StreamID         string
	ClientID         string
	LastDeliveredSeq int64
	IssuedAt         time.Time
}

// DeliveryBatch is one ordered, gap-free slice of entries pushed to a
// subscription. Entries are strictly increasing in Seq and contiguous.
// WatermarkSeq is the Seq of the last entry in the batch.
type DeliveryBatch struct {
	StreamID     string
	Entries      []LogEntry
	WatermarkSeq int64
}

// First returns the Seq of the first entry, or 0 for an empty batch.
func (b DeliveryBatch) First() int64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[0].Seq
}

// MutationIntent is a proposed write: the caller states the base version
// it believes is current and the payload to append. An intent either
// becomes a LogEntry or is rejected with a ConflictTicket; it is never
// persisted on its own.
type MutationIntent struct {
	StreamID            string
	IdempotencyKey      string
	ExpectedBaseVersion int64
	Payload             []byte
}

// ConflictTicket records an optimistic-concurrency mismatch: the
// caller's assumed base version against the true current version at
// commit time. Tickets are appended to the companion audit stream so
// conflict history survives replay.
type ConflictTicket struct {
	StreamID       string
	IdempotencyKey string
	CurrentVersion int64
	CallerVersion  int64
	RecordedAt     time.Time
}
