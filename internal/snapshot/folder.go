package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerd/internal/entry"
)

// DigestFolder is the default payload-agnostic folder. Payloads are
// opaque to the core, so it materializes what can be computed without
// interpreting them: the last applied seq, the entry count, and a
// rolling digest chaining every payload hash. Two replays that diverge
// anywhere produce different digests, which is exactly what the
// replay-equivalence check needs.
//
// Applications with interpretable payloads supply their own Folder.
type DigestFolder struct{}

type digestState struct {
	LastSeq int64  `json:"last_seq"`
	Count   int64  `json:"count"`
	Digest  string `json:"digest"`
}

// Origin returns the state of an empty stream.
func (DigestFolder) Origin() []byte {
	return mustEncodeDigest(digestState{})
}

// Fold chains e into the rolling digest.
func (DigestFolder) Fold(state []byte, e entry.LogEntry) ([]byte, error) {
	var s digestState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("digest fold: decode state: %w", err)
	}
	if e.Seq <= s.LastSeq {
		return nil, fmt.Errorf("digest fold: entry %d not after state %d", e.Seq, s.LastSeq)
	}

	next, err := entry.ChainHash(e.StreamID, e.Seq, e.IdempotencyKey, e.Payload, s.Digest)
	if err != nil {
		return nil, fmt.Errorf("digest fold: %w", err)
	}
	s.LastSeq = e.Seq
	s.Count++
	s.Digest = next
	return mustEncodeDigest(s), nil
}

// mustEncodeDigest marshals deterministically: fixed struct field order
// and no floats, so encoding/json is canonical here.
func mustEncodeDigest(s digestState) []byte {
	out, err := json.Marshal(s)
	if err != nil {
		panic(err) // struct of ints and strings cannot fail to marshal
	}
	return out
}
