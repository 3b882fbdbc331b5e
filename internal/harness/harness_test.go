package harness

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/fanout"
	"github.com/roach88/ledgerd/internal/reducer"
	"github.com/roach88/ledgerd/internal/store/badgerdb"
)

func TestGolden_Lifecycle(t *testing.T) {
	h := New(t)

	h.Commit("run-1", "cmd-1", 0, "alpha")
	h.Commit("run-1", "cmd-2", 1, "beta")
	h.Commit("run-1", "cmd-3", 2, "gamma")

	// Identical retry replays the original seq without re-appending.
	h.Commit("run-1", "cmd-2", 1, "beta")

	// A stale expectation is a definite conflict with the true head.
	h.Commit("run-1", "cmd-x", 0, "delta")

	h.Checkpoint("run-1")
	h.AdvanceFloor("run-1", 2)
	h.Prune("run-1")

	// A cursor below the floor is rejected with the floor position and
	// recovers via snapshot.
	h.TrySubscribe("run-1", "client-a", 1)
	snap := h.Resync("run-1", "client-a")
	require.Equal(t, int64(3), snap.Seq)

	h.Commit("run-1", "cmd-4", 3, "epsilon")

	sub := h.Subscribe("run-1", "client-a", snap.Seq)
	h.Collect(sub, "run-1", "client-a", 1)
	h.Ack(sub, "run-1", "client-a", 4)

	h.AssertGolden("lifecycle")
}

func TestGolden_BudgetRedirect(t *testing.T) {
	h := New(t)

	for i := 1; i <= 6; i++ {
		h.Commit("run-2", fmt.Sprintf("cmd-%d", i), int64(i-1), fmt.Sprintf("p%d", i))
	}

	// Six entries behind with a budget of three: redirected to snapshot
	// even though nothing was trimmed.
	h.TrySubscribe("run-2", "client-b", 0)

	h.Checkpoint("run-2")
	snap := h.Resync("run-2", "client-b")
	require.Equal(t, int64(6), snap.Seq)

	sub := h.Subscribe("run-2", "client-b", snap.Seq)
	h.Commit("run-2", "cmd-7", 6, "p7")
	h.Collect(sub, "run-2", "client-b", 1)
	h.Ack(sub, "run-2", "client-b", 7)

	h.AssertGolden("budget-redirect")
}

// journalFolder materializes "seq:payload;" records, order sensitive.
type journalFolder struct{}

func (journalFolder) Origin() []byte { return []byte{} }

func (journalFolder) Fold(state []byte, e entry.LogEntry) ([]byte, error) {
	return append(state, fmt.Sprintf("%d:%s;", e.Seq, e.Payload)...), nil
}

// chaosTransport drops each subscription after a random number of
// batches.
type chaosTransport struct {
	inner reducer.Transport
	rng   *rand.Rand
	mu    sync.Mutex
	drops int
}

func (c *chaosTransport) Subscribe(ctx context.Context, streamID, clientID string, fromSeq int64) (reducer.Subscription, error) {
	sub, err := c.inner.Subscribe(ctx, streamID, clientID, fromSeq)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.drops++
	limit := 1 + c.rng.Intn(4)
	c.mu.Unlock()

	cs := &chaosSub{
		inner: sub,
		out:   make(chan entry.DeliveryBatch),
		done:  make(chan struct{}),
	}
	go cs.relay(limit)
	return cs, nil
}

func (c *chaosTransport) Snapshot(ctx context.Context, streamID string) (entry.Snapshot, error) {
	return c.inner.Snapshot(ctx, streamID)
}

type chaosSub struct {
	inner     reducer.Subscription
	out       chan entry.DeliveryBatch
	done      chan struct{}
	closeOnce sync.Once
}

func (s *chaosSub) relay(limit int) {
	defer close(s.out)
	defer s.inner.Close()
	for i := 0; i < limit; i++ {
		b, ok := <-s.inner.Batches()
		if !ok {
			return
		}
		select {
		case s.out <- b:
		case <-s.done:
			return
		}
	}
}

func (s *chaosSub) Batches() <-chan entry.DeliveryBatch { return s.out }
func (s *chaosSub) Ack(ctx context.Context, seq int64) error {
	return s.inner.Ack(ctx, seq)
}
func (s *chaosSub) Err() error { return s.inner.Err() }

func (s *chaosSub) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.inner.Close()
}

// TestChaos_ReconnectStormFullStack drives the whole stack on a
// persistent-format backend while the transport keeps dropping: the
// reducer must end with exactly-once application of every entry.
func TestChaos_ReconnectStormFullStack(t *testing.T) {
	backend, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	defer backend.Close()

	log := authority.New(backend, authority.WithChain(true))
	eng := fanout.NewEngine(log, fanout.WithBatchSize(5))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 150
	commit := func(i int) {
		_, err := log.Commit(ctx, authority.CommitRequest{
			StreamID:            "run-chaos",
			IdempotencyKey:      fmt.Sprintf("cmd-%d", i),
			ExpectedBaseVersion: int64(i - 1),
			Payload:             []byte(fmt.Sprintf("p%d", i)),
		})
		require.NoError(t, err)
	}
	for i := 1; i <= 50; i++ {
		commit(i)
	}

	chaos := &chaosTransport{
		inner: reducer.EngineTransport{Engine: eng},
		rng:   rand.New(rand.NewSource(7)),
	}
	r := reducer.New("run-chaos", journalFolder{})
	client := reducer.NewClient(chaos, r, "run-chaos", "client-storm",
		reducer.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// Keep committing while connections churn.
	for i := 51; i <= total; i++ {
		commit(i)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && r.Cursor() < total {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int64(total), r.Cursor(), "reducer never caught up")

	cancel()
	<-done

	want := []byte{}
	for i := 1; i <= total; i++ {
		want = append(want, fmt.Sprintf("%d:p%d;", i, i)...)
	}
	assert.Equal(t, string(want), string(r.State()),
		"exactly-once application across %d reconnects", chaos.drops)
	assert.Greater(t, chaos.drops, 5)

	// The chain held up under the storm.
	require.NoError(t, log.VerifyChain(context.Background(), "run-chaos"))
}
