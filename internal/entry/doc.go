// Package entry defines the core record types shared by every component
// of the ledger: log entries, snapshots, subscriber cursors, delivery
// batches, and the optimistic-concurrency mutation records.
//
// The package also owns the two serialization concerns that must be
// identical everywhere:
//
//   - Canonical JSON (RFC 8785 subset): the only encoding used for
//     content hashing. Object keys sorted by UTF-16 code units, strings
//     NFC normalized, no HTML escaping, no floats, no null.
//   - Domain-separated SHA-256: every hash is computed as
//     SHA256(domain || 0x00 || canonical-bytes) so hashes from different
//     record kinds can never collide.
//
// Ordering throughout the system uses Seq (a per-stream logical clock),
// never timestamps. CommittedAt fields are informational only.
package entry
