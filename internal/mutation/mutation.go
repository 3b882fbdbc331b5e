// Package mutation is the optimistic-concurrency contract shared by
// every writer: raw authority commands and collaborative object edits
// alike. A writer states the base version it built on; the authority
// checks it atomically at commit time; a mismatch comes back as a
// ConflictTicket, never as a partial write or a silent overwrite.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// ConflictStreamSuffix names the companion stream conflict tickets are
// appended to, so conflict history is replayable like any other stream.
const ConflictStreamSuffix = ".conflicts"

// auditRetries bounds head races between concurrent ticket appends on
// the companion stream.
const auditRetries = 5

// Outcome is the definite result of a proposed mutation: a commit (new
// or idempotent replay), or a conflict ticket with the true current
// version.
type Outcome struct {
	Seq       int64
	Duplicate bool
	Conflict  *entry.ConflictTicket
}

// Committed reports whether the intent made it into the log.
func (o Outcome) Committed() bool { return o.Conflict == nil }

// Protocol proposes mutation intents against an authority log and
// records conflicts to the companion audit stream.
type Protocol struct {
	log   *authority.Log
	now   func() time.Time
	audit bool
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithAudit toggles conflict-ticket recording. On by default.
func WithAudit(enabled bool) ProtocolOption {
	return func(p *Protocol) { p.audit = enabled }
}

// WithNow overrides the ticket timestamp source.
func WithNow(now func() time.Time) ProtocolOption {
	return func(p *Protocol) { p.now = now }
}

// NewProtocol creates a mutation protocol over an authority log.
func NewProtocol(log *authority.Log, opts ...ProtocolOption) *Protocol {
	p := &Protocol{log: log, now: time.Now, audit: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Propose submits one intent. The outcome is always definite: a seq
// (possibly an idempotent replay of an earlier commit), a conflict
// ticket carrying the true current head, or an error that left the log
// untouched. There is no merge and no last-writer-wins; a conflicted
// caller re-reads and retries with a fresh base version.
func (p *Protocol) Propose(ctx context.Context, intent entry.MutationIntent) (Outcome, error) {
	res, err := p.log.Commit(ctx, authority.CommitRequest{
		StreamID:            intent.StreamID,
		IdempotencyKey:      intent.IdempotencyKey,
		ExpectedBaseVersion: intent.ExpectedBaseVersion,
		Payload:             intent.Payload,
	})
	if err == nil {
		return Outcome{Seq: res.Seq, Duplicate: res.Duplicate}, nil
	}

	conflict, ok := authority.AsConflict(err)
	if !ok {
		return Outcome{}, err
	}

	ticket := entry.ConflictTicket{
		StreamID:       intent.StreamID,
		IdempotencyKey: intent.IdempotencyKey,
		CurrentVersion: conflict.CurrentHead,
		CallerVersion:  intent.ExpectedBaseVersion,
		RecordedAt:     p.now().UTC(),
	}
	if p.audit {
		if aerr := p.recordConflict(ctx, ticket); aerr != nil {
			slog.Warn("conflict audit append failed",
				"stream", intent.StreamID, "err", aerr)
		}
	}
	return Outcome{Conflict: &ticket}, nil
}

// recordConflict appends a ticket to the companion stream. The ticket's
// content-addressed ID doubles as its idempotency key, so the same
// conflict reported twice lands once. The companion stream has its own
// head; concurrent reporters race on it, so the append retries with a
// re-read base.
func (p *Protocol) recordConflict(ctx context.Context, t entry.ConflictTicket) error {
	id, err := entry.ConflictID(t)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(conflictRecord{
		StreamID:       t.StreamID,
		IdempotencyKey: t.IdempotencyKey,
		CurrentVersion: t.CurrentVersion,
		CallerVersion:  t.CallerVersion,
		RecordedAt:     t.RecordedAt.UnixNano(),
	})
	if err != nil {
		return err
	}

	auditStream := t.StreamID + ConflictStreamSuffix
	for attempt := 0; attempt < auditRetries; attempt++ {
		head := int64(0)
		info, err := p.log.Stream(ctx, auditStream)
		if err == nil {
			head = info.HeadSeq
		} else if !errors.Is(err, store.ErrStreamNotFound) {
			return err
		}

		_, err = p.log.Commit(ctx, authority.CommitRequest{
			StreamID:            auditStream,
			IdempotencyKey:      id,
			ExpectedBaseVersion: head,
			Payload:             payload,
		})
		if err == nil {
			return nil
		}
		if authority.IsConflict(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("record conflict on %s: retries exhausted", auditStream)
}

// conflictRecord is the persisted shape of a ticket on the companion
// stream.
type conflictRecord struct {
	StreamID       string `json:"stream_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CurrentVersion int64  `json:"current_version"`
	CallerVersion  int64  `json:"caller_version"`
	RecordedAt     int64  `json:"recorded_at"`
}

// Conflicts reads the recorded conflict history of a stream.
func (p *Protocol) Conflicts(ctx context.Context, streamID string) ([]entry.ConflictTicket, error) {
	entries, err := p.log.ReadRange(ctx, streamID+ConflictStreamSuffix, 1, 0)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]entry.ConflictTicket, 0, len(entries))
	for _, e := range entries {
		var rec conflictRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return nil, fmt.Errorf("conflict record %s/%d: %w", e.StreamID, e.Seq, err)
		}
		out = append(out, entry.ConflictTicket{
			StreamID:       rec.StreamID,
			IdempotencyKey: rec.IdempotencyKey,
			CurrentVersion: rec.CurrentVersion,
			CallerVersion:  rec.CallerVersion,
			RecordedAt:     time.Unix(0, rec.RecordedAt).UTC(),
		})
	}
	return out, nil
}
