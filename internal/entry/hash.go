package entry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashing. The version suffix leaves room
// for algorithm migration without ambiguity against old hashes.
const (
	DomainEntry    = "ledgerd/entry/v1"
	DomainSnapshot = "ledgerd/snapshot/v1"
	DomainConflict = "ledgerd/conflict/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain || 0x00 || data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns the hex SHA-256 of a raw payload. Payloads are
// opaque bytes, so they are hashed directly rather than embedded in
// canonical JSON.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ChainHash computes the tamper-evident hash for an entry.
//
// The hash covers the entry header, the payload digest, and the previous
// entry's hash, so rewriting any committed entry breaks every later
// link. For the first entry of a stream prevHash is empty.
func ChainHash(streamID string, seq int64, idempotencyKey string, payload []byte, prevHash string) (string, error) {
	obj := map[string]any{
		"stream_id":       streamID,
		"seq":             seq,
		"idempotency_key": idempotencyKey,
		"payload_hash":    PayloadHash(payload),
		"prev_hash":       prevHash,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ChainHash: %w", err)
	}
	return hashWithDomain(DomainEntry, canonical), nil
}

// MustChainHash is like ChainHash but panics on error. Use only in
// tests or when inputs are known to be valid.
func MustChainHash(streamID string, seq int64, idempotencyKey string, payload []byte, prevHash string) string {
	h, err := ChainHash(streamID, seq, idempotencyKey, payload, prevHash)
	if err != nil {
		panic(err)
	}
	return h
}

// VerifyLink checks a single link of the hash chain: that e.Hash is the
// correct chain hash for e given prevHash. Returns nil for entries
// committed with chaining disabled (empty Hash).
func VerifyLink(e LogEntry, prevHash string) error {
	if e.Hash == "" {
		return nil
	}
	if e.PrevHash != prevHash {
		return fmt.Errorf("entry %s/%d: prev_hash %q does not match chain %q",
			e.StreamID, e.Seq, e.PrevHash, prevHash)
	}
	want, err := ChainHash(e.StreamID, e.Seq, e.IdempotencyKey, e.Payload, prevHash)
	if err != nil {
		return err
	}
	if e.Hash != want {
		return fmt.Errorf("entry %s/%d: hash %q does not match computed %q",
			e.StreamID, e.Seq, e.Hash, want)
	}
	return nil
}

// SnapshotHash returns the content hash of a snapshot's materialized
// state, used to compare replay results byte for byte.
func SnapshotHash(state []byte) string {
	return hashWithDomain(DomainSnapshot, state)
}

// ConflictID computes a content-addressed ID for a conflict ticket so
// redundant audit appends of the same conflict deduplicate naturally.
func ConflictID(t ConflictTicket) (string, error) {
	obj := map[string]any{
		"stream_id":       t.StreamID,
		"idempotency_key": t.IdempotencyKey,
		"current_version": t.CurrentVersion,
		"caller_version":  t.CallerVersion,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ConflictID: %w", err)
	}
	return hashWithDomain(DomainConflict, canonical), nil
}
