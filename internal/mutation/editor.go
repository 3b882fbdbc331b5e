package mutation

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// ErrTooManyConflicts ends an edit that kept losing the optimistic
// race. The object's current version is still consistent; the caller
// simply never won a round.
var ErrTooManyConflicts = errors.New("edit retries exhausted")

// EditFunc produces the next payload for a collaborative object given
// its current version. It runs once per attempt and must be free of
// side effects: a conflicted attempt is discarded and the function runs
// again against the fresh version.
type EditFunc func(currentVersion int64) ([]byte, error)

// Editor layers read-modify-retry on the protocol for collaborative
// object edits (shared documents, file state). Each attempt reads the
// live head, builds a payload against it, and proposes with that head
// as the expected base. Lost races re-read and rebuild rather than
// merging.
type Editor struct {
	protocol *Protocol
	ids      entry.IDGenerator
	retries  int
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithIDGenerator overrides the idempotency-key source. Tests use a
// FixedGenerator for stable keys.
func WithIDGenerator(ids entry.IDGenerator) EditorOption {
	return func(e *Editor) { e.ids = ids }
}

// WithRetries bounds attempts per Edit call.
func WithRetries(n int) EditorOption {
	return func(e *Editor) {
		if n > 0 {
			e.retries = n
		}
	}
}

// NewEditor creates an editor over a mutation protocol.
func NewEditor(p *Protocol, opts ...EditorOption) *Editor {
	e := &Editor{protocol: p, ids: entry.UUIDv7Generator{}, retries: 8}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Edit applies fn to the object's current version and commits the
// result, retrying on conflict with a fresh read each round. Every
// attempt carries a fresh idempotency key: the retry is a new intent
// against a new base, not a replay of the old one.
func (e *Editor) Edit(ctx context.Context, streamID string, fn EditFunc) (int64, error) {
	for attempt := 0; attempt < e.retries; attempt++ {
		head := int64(0)
		info, err := e.protocol.log.Stream(ctx, streamID)
		if err == nil {
			head = info.HeadSeq
		} else if !errors.Is(err, store.ErrStreamNotFound) {
			return 0, fmt.Errorf("edit %s: %w", streamID, err)
		}

		payload, err := fn(head)
		if err != nil {
			return 0, fmt.Errorf("edit %s: %w", streamID, err)
		}

		out, err := e.protocol.Propose(ctx, entry.MutationIntent{
			StreamID:            streamID,
			IdempotencyKey:      e.ids.Generate(),
			ExpectedBaseVersion: head,
			Payload:             payload,
		})
		if err != nil {
			return 0, err
		}
		if out.Committed() {
			return out.Seq, nil
		}
	}
	return 0, fmt.Errorf("edit %s: %w", streamID, ErrTooManyConflicts)
}
