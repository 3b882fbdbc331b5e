// Package authority implements the authority log: the single source of
// truth for ordering and idempotency within a stream.
//
// Commits to the same stream are serialized through a per-stream lock;
// commits to different streams proceed fully in parallel. Inside the
// serialized section the log performs, in order: the idempotency-key
// lookup, the expected-base-version check against the true head, the
// hash-chain link (when enabled), and the atomic append. There is no
// window between the version check and the append for another writer to
// slip in.
//
// Reads run concurrently with commits because entries are immutable
// once appended; only the head check needs the lock.
//
// A detected violation of the immutability contract (hash-chain break,
// or a storage-level seq collision that the serialization should have
// made impossible) halts the stream: all further commits fail until an
// operator reconciles it. Corruption is never silently repaired.
package authority
