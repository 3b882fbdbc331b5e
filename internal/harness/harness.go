package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/fanout"
	"github.com/roach88/ledgerd/internal/mutation"
	"github.com/roach88/ledgerd/internal/snapshot"
	"github.com/roach88/ledgerd/internal/store/memory"
	"github.com/roach88/ledgerd/internal/testutil"
)

// Harness wires the full stack over an in-memory backend. Every
// observable outcome is appended to the trace in execution order.
type Harness struct {
	t *testing.T

	Clock    *testutil.Clock
	Backend  *memory.Store
	Log      *authority.Log
	Manager  *snapshot.Manager
	Engine   *fanout.Engine
	Protocol *mutation.Protocol

	trace []map[string]any
}

// New creates a harness with chaining on, a small batch size, and a
// tight replay budget so scenarios can exercise both stale reasons
// with few entries.
func New(t *testing.T) *Harness {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	backend := memory.New()
	log := authority.New(backend, authority.WithChain(true), authority.WithNow(clock.Now))

	return &Harness{
		t:        t,
		Clock:    clock,
		Backend:  backend,
		Log:      log,
		Manager:  snapshot.NewManager(backend, snapshot.DigestFolder{}, snapshot.Policy{}, snapshot.WithNow(clock.Now)),
		Engine:   fanout.NewEngine(log, fanout.WithBatchSize(2), fanout.WithReplayBudget(3), fanout.WithNow(clock.Now)),
		Protocol: mutation.NewProtocol(log, mutation.WithNow(clock.Now)),
	}
}

func (h *Harness) record(ev map[string]any) {
	h.trace = append(h.trace, ev)
}

// Commit proposes one mutation and records the definite outcome:
// commit, duplicate, or conflict.
func (h *Harness) Commit(streamID, key string, expect int64, payload string) mutation.Outcome {
	h.t.Helper()
	h.Clock.Tick()
	out, err := h.Protocol.Propose(context.Background(), entry.MutationIntent{
		StreamID:            streamID,
		IdempotencyKey:      key,
		ExpectedBaseVersion: expect,
		Payload:             []byte(payload),
	})
	require.NoError(h.t, err)

	switch {
	case !out.Committed():
		h.record(map[string]any{
			"type": "conflict", "stream": streamID, "key": key,
			"caller": out.Conflict.CallerVersion, "current": out.Conflict.CurrentVersion,
		})
	case out.Duplicate:
		h.record(map[string]any{
			"type": "duplicate", "stream": streamID, "key": key, "seq": out.Seq,
		})
	default:
		h.record(map[string]any{
			"type": "commit", "stream": streamID, "key": key, "seq": out.Seq,
		})
	}
	return out
}

// Checkpoint materializes a snapshot at the current head.
func (h *Harness) Checkpoint(streamID string) entry.Snapshot {
	h.t.Helper()
	snap, err := h.Manager.Checkpoint(context.Background(), streamID)
	require.NoError(h.t, err)
	h.record(map[string]any{"type": "snapshot", "stream": streamID, "seq": snap.Seq})
	return snap
}

// AdvanceFloor raises the retention floor.
func (h *Harness) AdvanceFloor(streamID string, newFloor int64) {
	h.t.Helper()
	require.NoError(h.t, h.Manager.AdvanceRetentionFloor(context.Background(), streamID, newFloor))
	h.record(map[string]any{"type": "floor", "stream": streamID, "seq": newFloor})
}

// Prune removes trimmed entries.
func (h *Harness) Prune(streamID string) {
	h.t.Helper()
	n, err := h.Manager.Prune(context.Background(), streamID)
	require.NoError(h.t, err)
	h.record(map[string]any{"type": "prune", "stream": streamID, "pruned": n})
}

// TrySubscribe attempts a subscribe expected to be rejected and records
// the classification. Fails the test if the subscribe succeeds.
func (h *Harness) TrySubscribe(streamID, clientID string, fromSeq int64) *fanout.StaleCursorError {
	h.t.Helper()
	_, err := h.Engine.Subscribe(context.Background(), streamID, clientID, fromSeq)
	sc, ok := fanout.IsStaleCursor(err)
	require.True(h.t, ok, "expected stale cursor, got %v", err)

	ev := map[string]any{"type": "stale", "stream": streamID, "client": clientID}
	switch reason := sc.Reason.(type) {
	case fanout.RetentionFloorBreach:
		ev["reason"] = "retention_floor_breach"
		ev["floor"] = reason.FloorSeq
	case fanout.ReplayBudgetExceeded:
		ev["reason"] = "replay_budget_exceeded"
		ev["head"] = reason.HeadSeq
	case fanout.UnknownCursor:
		ev["reason"] = "unknown_cursor"
	}
	h.record(ev)
	return sc
}

// Resync fetches the latest snapshot on behalf of a client, the
// sanctioned recovery after a stale cursor.
func (h *Harness) Resync(streamID, clientID string) entry.Snapshot {
	h.t.Helper()
	snap, err := h.Engine.Snapshot(context.Background(), streamID)
	require.NoError(h.t, err)
	h.record(map[string]any{"type": "resync", "stream": streamID, "client": clientID, "seq": snap.Seq})
	return snap
}

// Subscribe establishes a live subscription and records it. The
// subscription is closed automatically at test end.
func (h *Harness) Subscribe(streamID, clientID string, fromSeq int64) *fanout.Subscription {
	h.t.Helper()
	sub, err := h.Engine.Subscribe(context.Background(), streamID, clientID, fromSeq)
	require.NoError(h.t, err)
	h.t.Cleanup(sub.Close)
	h.record(map[string]any{"type": "subscribe", "stream": streamID, "client": clientID, "from": fromSeq})
	return sub
}

// Collect receives batches until n entries have arrived, recording one
// deliver event per batch.
func (h *Harness) Collect(sub *fanout.Subscription, streamID, clientID string, n int) []entry.LogEntry {
	h.t.Helper()
	var got []entry.LogEntry
	for len(got) < n {
		batch, ok := <-sub.Batches()
		require.True(h.t, ok, "subscription closed early: %v", sub.Err())
		seqs := make([]any, 0, len(batch.Entries))
		for _, e := range batch.Entries {
			seqs = append(seqs, e.Seq)
		}
		h.record(map[string]any{
			"type": "deliver", "stream": streamID, "client": clientID,
			"seqs": seqs, "watermark": batch.WatermarkSeq,
		})
		got = append(got, batch.Entries...)
	}
	return got
}

// Ack advances the durable cursor and records it.
func (h *Harness) Ack(sub *fanout.Subscription, streamID, clientID string, upToSeq int64) {
	h.t.Helper()
	require.NoError(h.t, sub.Ack(context.Background(), upToSeq))
	h.record(map[string]any{"type": "ack", "stream": streamID, "client": clientID, "seq": upToSeq})
}
