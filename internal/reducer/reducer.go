package reducer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/snapshot"
)

// GapError rejects a batch that does not start exactly one past the
// local cursor. A gap means the transport skipped entries; applying
// around it would silently corrupt local state.
type GapError struct {
	StreamID string
	Cursor   int64
	FirstSeq int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gap in %s: cursor %d, batch starts at %d",
		e.StreamID, e.Cursor, e.FirstSeq)
}

// Reducer folds delivered batches into local state deterministically.
// The fold function is shared with the snapshot manager, which is what
// makes snapshot resync and incremental application interchangeable.
//
// One goroutine applies batches; State and Cursor may be read from
// others while it runs.
type Reducer struct {
	streamID string
	folder   snapshot.Folder

	mu     sync.Mutex
	state  []byte
	cursor int64
}

// New creates a reducer at stream origin.
func New(streamID string, folder snapshot.Folder) *Reducer {
	return &Reducer{
		streamID: streamID,
		folder:   folder,
		state:    folder.Origin(),
	}
}

// Cursor is the seq of the last applied entry.
func (r *Reducer) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// State is the current materialized state. Callers must not mutate it.
func (r *Reducer) State() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ApplyBatch folds one delivery batch into local state.
//
// A batch starting past cursor+1 is a protocol violation and is
// rejected whole, state untouched. Entries at or below the cursor are
// duplicate deliveries: logged and skipped, never re-applied, so
// at-least-once transport is survivable. A batch may mix duplicates
// and new entries after a redelivery overlap.
func (r *Reducer) ApplyBatch(batch entry.DeliveryBatch) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if first := batch.First(); first > r.cursor+1 {
		return &GapError{StreamID: r.streamID, Cursor: r.cursor, FirstSeq: first}
	}

	next := r.state
	applied := r.cursor
	for _, e := range batch.Entries {
		if e.Seq <= applied {
			slog.Warn("duplicate delivery skipped",
				"stream", r.streamID, "seq", e.Seq, "cursor", applied)
			continue
		}
		if e.Seq != applied+1 {
			return &GapError{StreamID: r.streamID, Cursor: applied, FirstSeq: e.Seq}
		}
		var err error
		next, err = r.folder.Fold(next, e)
		if err != nil {
			return fmt.Errorf("apply %s seq %d: %w", r.streamID, e.Seq, err)
		}
		applied = e.Seq
	}

	r.state = next
	r.cursor = applied
	return nil
}

// Resync discards all incremental state and resets to a snapshot. This
// is the only full-resync path: after a stale cursor the local history
// is unservable and partial repair is not an option.
func (r *Reducer) Resync(snap entry.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slog.Info("resync from snapshot",
		"stream", r.streamID, "from", r.cursor, "to", snap.Seq)
	r.state = append([]byte(nil), snap.State...)
	r.cursor = snap.Seq
}
