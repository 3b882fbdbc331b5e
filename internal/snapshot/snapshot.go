// Package snapshot bounds storage growth while preserving
// replayability. The manager periodically materializes stream state
// into snapshots, advances the retention floor only behind a covering
// snapshot, and prunes trimmed entries.
//
// Checkpointing is safe to run concurrently with commits: it captures
// the head seq once at start and only ever reads committed, immutable
// entries up to that fixed point, paginating so the commit path is
// never blocked for the duration of a fold.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// ErrUncovered is returned when a retention-floor advance would trim
// entries no snapshot covers. The floor never outruns snapshots.
var ErrUncovered = errors.New("retention floor not covered by a snapshot")

// Folder applies entries to materialized state. Implementations must be
// deterministic: the same origin and entry sequence always produce
// byte-identical state, or replay equivalence is unverifiable.
type Folder interface {
	// Origin returns the materialized state of an empty stream.
	Origin() []byte

	// Fold returns the state after applying e to state. It must not
	// mutate the input slice.
	Fold(state []byte, e entry.LogEntry) ([]byte, error)
}

// Policy carries the retention tunables. Zero values disable the
// corresponding trigger.
type Policy struct {
	// CheckpointEveryEntries triggers a checkpoint once this many
	// entries accumulate past the last snapshot.
	CheckpointEveryEntries int64

	// CheckpointInterval is the background loop's tick period.
	CheckpointInterval time.Duration

	// MaxRetainedEntries bounds how many entries are kept behind the
	// head; older ones are trimmed once snapshot-covered.
	MaxRetainedEntries int64
}

// checkpointPageSize bounds how many entries a fold holds in memory.
const checkpointPageSize = 256

// Manager owns the snapshot lifecycle for all streams on one backend.
// It never mutates log entries.
type Manager struct {
	backend store.Backend
	folder  Folder
	policy  Policy
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow overrides the snapshot timestamp source for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a snapshot manager.
func NewManager(backend store.Backend, folder Folder, policy Policy, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		folder:  folder,
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Checkpoint folds the prior snapshot (or stream origin) through all
// entries up to the head captured at call time and stores the result.
// Entries committed while the fold runs are left for the next
// checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, streamID string) (entry.Snapshot, error) {
	info, err := m.backend.Stream(ctx, streamID)
	if err != nil {
		return entry.Snapshot{}, err
	}
	target := info.HeadSeq

	state := m.folder.Origin()
	from := int64(1)

	prior, err := m.backend.LatestSnapshot(ctx, streamID)
	switch {
	case err == nil:
		if prior.Seq >= target {
			return prior, nil
		}
		state = prior.State
		from = prior.Seq + 1
	case errors.Is(err, store.ErrNoSnapshot):
		if info.FloorSeq > 0 {
			// Entries below the floor are gone and no snapshot exists
			// to anchor the fold. Nothing sane to materialize.
			return entry.Snapshot{}, fmt.Errorf("checkpoint %s: floor %d with no snapshot: %w",
				streamID, info.FloorSeq, ErrUncovered)
		}
	default:
		return entry.Snapshot{}, fmt.Errorf("checkpoint %s: %w", streamID, err)
	}

	for from <= target {
		page, err := m.backend.ReadRange(ctx, streamID, from, checkpointPageSize)
		if err != nil {
			return entry.Snapshot{}, fmt.Errorf("checkpoint %s: %w", streamID, err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if e.Seq > target {
				break
			}
			state, err = m.folder.Fold(state, e)
			if err != nil {
				return entry.Snapshot{}, fmt.Errorf("checkpoint %s: fold seq %d: %w", streamID, e.Seq, err)
			}
		}
		from = page[len(page)-1].Seq + 1
	}

	snap := entry.Snapshot{
		StreamID:  streamID,
		Seq:       target,
		State:     state,
		CreatedAt: m.now().UTC(),
	}
	if err := m.backend.PutSnapshot(ctx, snap); err != nil {
		return entry.Snapshot{}, fmt.Errorf("checkpoint %s: %w", streamID, err)
	}

	slog.Info("checkpoint complete", "stream", streamID, "seq", target)
	return snap, nil
}

// AdvanceRetentionFloor moves the floor forward, but only behind a
// covering snapshot. Trimming entries no snapshot covers would make
// recovery impossible, so it is rejected with ErrUncovered.
func (m *Manager) AdvanceRetentionFloor(ctx context.Context, streamID string, newFloor int64) error {
	snap, err := m.backend.LatestSnapshot(ctx, streamID)
	if errors.Is(err, store.ErrNoSnapshot) {
		return fmt.Errorf("advance floor %s to %d: %w", streamID, newFloor, ErrUncovered)
	}
	if err != nil {
		return fmt.Errorf("advance floor %s: %w", streamID, err)
	}
	if snap.Seq < newFloor {
		return fmt.Errorf("advance floor %s to %d: latest snapshot at %d: %w",
			streamID, newFloor, snap.Seq, ErrUncovered)
	}
	if err := m.backend.SetRetentionFloor(ctx, streamID, newFloor); err != nil {
		return fmt.Errorf("advance floor %s: %w", streamID, err)
	}
	slog.Info("retention floor advanced", "stream", streamID, "floor", newFloor)
	return nil
}

// Prune physically deletes entries at or below the stream's retention
// floor. The floor invariant guarantees a covering snapshot exists.
func (m *Manager) Prune(ctx context.Context, streamID string) (int64, error) {
	info, err := m.backend.Stream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if info.FloorSeq == 0 {
		return 0, nil
	}
	removed, err := m.backend.PruneBelow(ctx, streamID, info.FloorSeq)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", streamID, err)
	}
	if removed > 0 {
		slog.Info("entries pruned", "stream", streamID, "removed", removed, "floor", info.FloorSeq)
	}
	return removed, nil
}

// Latest returns the stream's most recent snapshot.
func (m *Manager) Latest(ctx context.Context, streamID string) (entry.Snapshot, error) {
	return m.backend.LatestSnapshot(ctx, streamID)
}

// RunOnce applies the policy to every stream: checkpoint streams whose
// backlog exceeds the entry trigger, then advance floors and prune
// streams holding more than MaxRetainedEntries. Extracted from Run so
// tests drive the loop deterministically.
func (m *Manager) RunOnce(ctx context.Context) error {
	streams, err := m.backend.ListStreams(ctx)
	if err != nil {
		return fmt.Errorf("retention pass: %w", err)
	}

	for _, info := range streams {
		if err := m.applyPolicy(ctx, info); err != nil {
			// One broken stream must not starve the others.
			slog.Error("retention pass failed for stream", "stream", info.StreamID, "error", err)
		}
	}
	return nil
}

func (m *Manager) applyPolicy(ctx context.Context, info entry.StreamInfo) error {
	var snapSeq int64
	snap, err := m.backend.LatestSnapshot(ctx, info.StreamID)
	switch {
	case err == nil:
		snapSeq = snap.Seq
	case errors.Is(err, store.ErrNoSnapshot):
		snapSeq = 0
	default:
		return err
	}

	if m.policy.CheckpointEveryEntries > 0 && info.HeadSeq-snapSeq >= m.policy.CheckpointEveryEntries {
		if _, err := m.Checkpoint(ctx, info.StreamID); err != nil {
			return err
		}
		snapSeq = info.HeadSeq
	}

	if m.policy.MaxRetainedEntries > 0 && info.HeadSeq-info.FloorSeq > m.policy.MaxRetainedEntries {
		newFloor := info.HeadSeq - m.policy.MaxRetainedEntries
		if newFloor > snapSeq {
			// Floor never outruns the snapshot; trim as far as covered.
			newFloor = snapSeq
		}
		if newFloor > info.FloorSeq {
			if err := m.AdvanceRetentionFloor(ctx, info.StreamID, newFloor); err != nil {
				return err
			}
			if _, err := m.Prune(ctx, info.StreamID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run drives RunOnce on the policy interval until ctx is cancelled.
// Intended as a background goroutine; it never blocks the commit path.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.policy.CheckpointInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("snapshot manager starting", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot manager stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				slog.Error("retention pass failed", "error", err)
			}
		}
	}
}
