package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/store/memory"
)

// concatFolder materializes the concatenation of all payloads. Simple
// enough to verify replay equivalence by hand in tests.
type concatFolder struct{}

func (concatFolder) Origin() []byte { return []byte{} }

func (concatFolder) Fold(state []byte, e entry.LogEntry) ([]byte, error) {
	out := make([]byte, 0, len(state)+len(e.Payload)+1)
	out = append(out, state...)
	out = append(out, e.Payload...)
	out = append(out, '|')
	return out, nil
}

func fixedNow() time.Time { return time.Unix(1700000000, 0).UTC() }

func seedStream(t *testing.T, b store.Backend, streamID string, n int64) {
	t.Helper()
	ctx := context.Background()
	for i := int64(1); i <= n; i++ {
		require.NoError(t, b.AppendEntry(ctx, entry.LogEntry{
			StreamID:       streamID,
			Seq:            i,
			IdempotencyKey: fmt.Sprintf("cmd-%d", i),
			Payload:        []byte(fmt.Sprintf("p%d", i)),
			CommittedAt:    fixedNow(),
		}))
	}
}

func TestCheckpoint_FoldsFromOrigin(t *testing.T) {
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 3)

	snap, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Seq)
	assert.Equal(t, []byte("p1|p2|p3|"), snap.State)
}

func TestCheckpoint_IncrementalFromPriorSnapshot(t *testing.T) {
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 2)
	first, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Seq)

	// More entries arrive; the next checkpoint folds only the delta.
	require.NoError(t, b.AppendEntry(ctx, entry.LogEntry{
		StreamID: "run-1", Seq: 3, IdempotencyKey: "cmd-3", Payload: []byte("p3"), CommittedAt: fixedNow(),
	}))

	second, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), second.Seq)
	assert.Equal(t, []byte("p1|p2|p3|"), second.State)
}

func TestCheckpoint_NoNewEntriesReturnsPrior(t *testing.T) {
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 2)
	first, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)

	again, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, first.State, again.State)
}

func TestReplayEquivalence(t *testing.T) {
	// Folding snapshot(N) through entries > N must equal folding from
	// origin through everything, byte for byte.
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 400) // spans several checkpoint pages

	// Reference: fold everything from origin.
	all, err := b.ReadRange(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	want := concatFolder{}.Origin()
	for _, e := range all {
		want, err = (concatFolder{}).Fold(want, e)
		require.NoError(t, err)
	}

	snap, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, snap.State),
		"checkpoint state must equal origin fold")

	// Same equivalence via an intermediate snapshot.
	require.NoError(t, b.AppendEntry(ctx, entry.LogEntry{
		StreamID: "run-1", Seq: 401, IdempotencyKey: "cmd-401", Payload: []byte("p401"), CommittedAt: fixedNow(),
	}))
	next, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)

	fromOrigin := concatFolder{}.Origin()
	all, err = b.ReadRange(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	for _, e := range all {
		fromOrigin, err = (concatFolder{}).Fold(fromOrigin, e)
		require.NoError(t, err)
	}
	assert.Equal(t, string(fromOrigin), string(next.State))
	assert.Equal(t, entry.SnapshotHash(fromOrigin), entry.SnapshotHash(next.State))
}

func TestAdvanceRetentionFloor_RequiresCoveringSnapshot(t *testing.T) {
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 10)

	// No snapshot at all: rejected.
	err := m.AdvanceRetentionFloor(ctx, "run-1", 5)
	assert.ErrorIs(t, err, ErrUncovered)

	_, err = m.Checkpoint(ctx, "run-1") // snapshot at 10
	require.NoError(t, err)

	// Beyond the snapshot: also rejected.
	require.NoError(t, b.AppendEntry(ctx, entry.LogEntry{
		StreamID: "run-1", Seq: 11, IdempotencyKey: "cmd-11", Payload: []byte("p11"), CommittedAt: fixedNow(),
	}))
	err = m.AdvanceRetentionFloor(ctx, "run-1", 11)
	assert.ErrorIs(t, err, ErrUncovered)

	// Covered: accepted.
	require.NoError(t, m.AdvanceRetentionFloor(ctx, "run-1", 5))
	info, err := b.Stream(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.FloorSeq)
}

func TestPrune_RemovesTrimmedEntries(t *testing.T) {
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 10)
	_, err := m.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, m.AdvanceRetentionFloor(ctx, "run-1", 6))

	removed, err := m.Prune(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)

	entries, err := b.ReadRange(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, int64(7), entries[0].Seq)
}

func TestRunOnce_AppliesPolicy(t *testing.T) {
	b := memory.New()
	m := NewManager(b, concatFolder{}, Policy{
		CheckpointEveryEntries: 5,
		MaxRetainedEntries:     8,
	}, WithNow(fixedNow))
	ctx := context.Background()

	seedStream(t, b, "run-1", 20)
	seedStream(t, b, "run-2", 3) // below every trigger

	require.NoError(t, m.RunOnce(ctx))

	// run-1 got a snapshot at head and was trimmed to MaxRetainedEntries.
	snap, err := b.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Seq)

	info, err := b.Stream(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.FloorSeq)

	entries, err := b.ReadRange(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, int64(13), entries[0].Seq)

	// run-2 untouched.
	_, err = b.LatestSnapshot(ctx, "run-2")
	assert.ErrorIs(t, err, store.ErrNoSnapshot)
}

func TestDigestFolder_DeterministicAndOrderSensitive(t *testing.T) {
	f := DigestFolder{}
	e1 := entry.LogEntry{StreamID: "run-1", Seq: 1, IdempotencyKey: "a", Payload: []byte("x")}
	e2 := entry.LogEntry{StreamID: "run-1", Seq: 2, IdempotencyKey: "b", Payload: []byte("y")}

	s1, err := f.Fold(f.Origin(), e1)
	require.NoError(t, err)
	s1, err = f.Fold(s1, e2)
	require.NoError(t, err)

	s2, err := f.Fold(f.Origin(), e1)
	require.NoError(t, err)
	s2, err = f.Fold(s2, e2)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	// Out-of-order application is rejected outright.
	_, err = f.Fold(s1, e1)
	assert.Error(t, err)
}
