// Package storetest holds the behavioral contract every storage backend
// must satisfy. Each backend package runs RunContract against a fresh
// instance so sqlite, memory, postgres, and badgerdb stay
// interchangeable.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// Factory returns a fresh, empty backend. The contract closes it when
// the subtest finishes.
type Factory func(t *testing.T) store.Backend

// RunContract exercises the full Backend contract against factory.
func RunContract(t *testing.T, factory Factory) {
	t.Run("AppendAndRead", func(t *testing.T) { testAppendAndRead(t, factory) })
	t.Run("AppendAtomicity", func(t *testing.T) { testAppendAtomicity(t, factory) })
	t.Run("IdempotencyIndex", func(t *testing.T) { testIdempotencyIndex(t, factory) })
	t.Run("UnknownStream", func(t *testing.T) { testUnknownStream(t, factory) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, factory) })
	t.Run("RetentionFloorAndPrune", func(t *testing.T) { testRetentionFloorAndPrune(t, factory) })
	t.Run("Cursors", func(t *testing.T) { testCursors(t, factory) })
	t.Run("ListStreams", func(t *testing.T) { testListStreams(t, factory) })
}

func appendN(t *testing.T, b store.Backend, streamID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		e := entry.LogEntry{
			StreamID:       streamID,
			Seq:            int64(i),
			IdempotencyKey: fmt.Sprintf("key-%d", i),
			Payload:        []byte(fmt.Sprintf("payload-%d", i)),
			CommittedAt:    time.Unix(1700000000+int64(i), 0).UTC(),
		}
		require.NoError(t, b.AppendEntry(ctx, e))
	}
}

func testAppendAndRead(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	appendN(t, b, "run-1", 5)

	info, err := b.Stream(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.HeadSeq)
	assert.Equal(t, int64(0), info.FloorSeq)

	// Full range, strictly increasing, contiguous.
	entries, err := b.ReadRange(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, []byte(fmt.Sprintf("payload-%d", i+1)), e.Payload)
	}

	// Partial range with limit.
	entries, err = b.ReadRange(ctx, "run-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(4), entries[1].Seq)

	// Range past head is empty, not an error.
	entries, err = b.ReadRange(ctx, "run-1", 6, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Single entry lookup.
	e, err := b.Entry(ctx, "run-1", 4)
	require.NoError(t, err)
	assert.Equal(t, "key-4", e.IdempotencyKey)

	_, err = b.Entry(ctx, "run-1", 99)
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}

func testAppendAtomicity(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	appendN(t, b, "run-1", 1)

	// A colliding seq must fail and leave head, entry, and idempotency
	// index untouched.
	err := b.AppendEntry(ctx, entry.LogEntry{
		StreamID:       "run-1",
		Seq:            1,
		IdempotencyKey: "other-key",
		Payload:        []byte("other"),
	})
	assert.ErrorIs(t, err, store.ErrDuplicateSeq)

	info, err := b.Stream(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.HeadSeq)

	e, err := b.Entry(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "key-1", e.IdempotencyKey)

	_, ok, err := b.SeqForIdempotencyKey(ctx, "run-1", "other-key")
	require.NoError(t, err)
	assert.False(t, ok, "failed append must not leave an idempotency row")
}

func testIdempotencyIndex(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	appendN(t, b, "run-1", 3)

	seq, ok, err := b.SeqForIdempotencyKey(ctx, "run-1", "key-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), seq)

	_, ok, err = b.SeqForIdempotencyKey(ctx, "run-1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	// Keys are scoped per stream.
	_, ok, err = b.SeqForIdempotencyKey(ctx, "run-2", "key-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUnknownStream(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	_, err := b.Stream(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrStreamNotFound)

	entries, err := b.ReadRange(ctx, "ghost", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testSnapshots(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	appendN(t, b, "run-1", 4)

	_, err := b.LatestSnapshot(ctx, "run-1")
	assert.ErrorIs(t, err, store.ErrNoSnapshot)

	require.NoError(t, b.PutSnapshot(ctx, entry.Snapshot{
		StreamID:  "run-1",
		Seq:       2,
		State:     []byte("state@2"),
		CreatedAt: time.Unix(1700000100, 0).UTC(),
	}))
	require.NoError(t, b.PutSnapshot(ctx, entry.Snapshot{
		StreamID:  "run-1",
		Seq:       4,
		State:     []byte("state@4"),
		CreatedAt: time.Unix(1700000200, 0).UTC(),
	}))

	snap, err := b.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Seq)
	assert.Equal(t, []byte("state@4"), snap.State)

	// Re-putting the same key is a no-op, not an error.
	require.NoError(t, b.PutSnapshot(ctx, entry.Snapshot{
		StreamID: "run-1", Seq: 4, State: []byte("state@4"),
	}))
}

func testRetentionFloorAndPrune(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	appendN(t, b, "run-1", 10)

	require.NoError(t, b.SetRetentionFloor(ctx, "run-1", 4))
	info, err := b.Stream(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.FloorSeq)

	// Floors never move backward.
	assert.Error(t, b.SetRetentionFloor(ctx, "run-1", 2))

	removed, err := b.PruneBelow(ctx, "run-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	entries, err := b.ReadRange(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, int64(5), entries[0].Seq)

	// Pruned idempotency keys are gone with their entries.
	_, ok, err := b.SeqForIdempotencyKey(ctx, "run-1", "key-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Keys above the prune line survive.
	seq, ok, err := b.SeqForIdempotencyKey(ctx, "run-1", "key-7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)

	// Pruning again is a no-op.
	removed, err = b.PruneBelow(ctx, "run-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func testCursors(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	_, err := b.LoadCursor(ctx, "run-1", "client-a")
	assert.ErrorIs(t, err, store.ErrNoCursor)

	c := entry.Cursor{
		StreamID:         "run-1",
		ClientID:         "client-a",
		LastDeliveredSeq: 3,
		IssuedAt:         time.Unix(1700000300, 0).UTC(),
	}
	require.NoError(t, b.SaveCursor(ctx, c))

	got, err := b.LoadCursor(ctx, "run-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LastDeliveredSeq)

	// Upsert advances in place.
	c.LastDeliveredSeq = 7
	require.NoError(t, b.SaveCursor(ctx, c))
	got, err = b.LoadCursor(ctx, "run-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.LastDeliveredSeq)

	// Cursors are scoped per (stream, client).
	_, err = b.LoadCursor(ctx, "run-1", "client-b")
	assert.ErrorIs(t, err, store.ErrNoCursor)
}

func testListStreams(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	appendN(t, b, "run-b", 2)
	appendN(t, b, "run-a", 1)

	streams, err := b.ListStreams(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "run-a", streams[0].StreamID)
	assert.Equal(t, "run-b", streams[1].StreamID)
	assert.Equal(t, int64(2), streams[1].HeadSeq)
}
