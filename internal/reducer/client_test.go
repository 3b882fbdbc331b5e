package reducer

import (
	"context"
	"errors"
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
	"github.com/roach88/ledgerd/internal/snapshot"
	"github.com/roach88/ledgerd/internal/store/memory"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func fixedNow() time.Time { return time.Unix(1700000000, 0).UTC() }

func commitN(t *testing.T, log *authority.Log, streamID string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		_, err := log.Commit(context.Background(), authority.CommitRequest{
			StreamID:            streamID,
			IdempotencyKey:      fmt.Sprintf("cmd-%d", i),
			ExpectedBaseVersion: int64(i - 1),
			Payload:             []byte(fmt.Sprintf("p%d", i)),
		})
		require.NoError(t, err)
	}
}

func foldedState(from, to int) string {
	s := ""
	for i := from; i <= to; i++ {
		s += fmt.Sprintf("p%d|", i)
	}
	return s
}

// waitForCursor polls until the reducer reaches seq or the deadline
// passes.
func waitForCursor(t *testing.T, r *Reducer, seq int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Cursor() >= seq {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("reducer stuck at cursor %d, want %d", r.Cursor(), seq)
}

func TestClient_CatchesUpAndFollows(t *testing.T) {
	log := authority.New(memory.New(), authority.WithNow(fixedNow))
	commitN(t, log, "run-1", 1, 20)

	eng := fanout.NewEngine(log, fanout.WithBatchSize(4), fanout.WithNow(fixedNow))
	r := New("run-1", appendFolder{})
	c := NewClient(EngineTransport{Engine: eng}, r, "run-1", "client-a", WithSleep(noSleep))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitForCursor(t, r, 20)
	commitN(t, log, "run-1", 21, 25)
	waitForCursor(t, r, 25)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Disconnected, c.Phase())
	assert.Equal(t, foldedState(1, 25), string(r.State()))
}

func TestClient_StaleCursorTriggersSnapshotResync(t *testing.T) {
	b := memory.New()
	log := authority.New(b, authority.WithNow(fixedNow))
	commitN(t, log, "run-1", 1, 50)

	mgr := snapshot.NewManager(b, appendFolder{}, snapshot.Policy{}, snapshot.WithNow(fixedNow))
	ctx := context.Background()
	_, err := mgr.Checkpoint(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, mgr.AdvanceRetentionFloor(ctx, "run-1", 30))
	_, err = mgr.Prune(ctx, "run-1")
	require.NoError(t, err)

	eng := fanout.NewEngine(log, fanout.WithNow(fixedNow))
	r := New("run-1", appendFolder{})
	c := NewClient(EngineTransport{Engine: eng}, r, "run-1", "client-a", WithSleep(noSleep))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	// Cursor 0 is below floor 30: the client must resync from the
	// snapshot at 50, never see a partial history, and then follow.
	waitForCursor(t, r, 50)
	commitN(t, log, "run-1", 51, 55)
	waitForCursor(t, r, 55)

	cancel()
	<-done
	assert.Equal(t, foldedState(1, 55), string(r.State()))
}

func TestClient_BackoffGrowsAndCaps(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	attempts := 0

	failing := &scriptedTransport{
		subscribe: func(ctx context.Context, fromSeq int64) (Subscription, error) {
			attempts++
			if attempts > 6 {
				return nil, context.Canceled
			}
			return nil, errors.New("connection refused")
		},
	}

	r := New("run-1", appendFolder{})
	c := NewClient(failing, r, "run-1", "client-a",
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Let the failures pile up, then stop the machine.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := len(delays)
			mu.Unlock()
			if n >= 5 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(delays), 5)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	assert.Equal(t, 40*time.Millisecond, delays[2])
	assert.Equal(t, 50*time.Millisecond, delays[3])
	assert.Equal(t, 50*time.Millisecond, delays[4])
}

// scriptedTransport drives the client with canned responses.
type scriptedTransport struct {
	subscribe func(ctx context.Context, fromSeq int64) (Subscription, error)
	snapshot  func(ctx context.Context) (entry.Snapshot, error)
}

func (s *scriptedTransport) Subscribe(ctx context.Context, _, _ string, fromSeq int64) (Subscription, error) {
	return s.subscribe(ctx, fromSeq)
}

func (s *scriptedTransport) Snapshot(ctx context.Context, _ string) (entry.Snapshot, error) {
	if s.snapshot != nil {
		return s.snapshot(ctx)
	}
	return entry.Snapshot{}, errors.New("no snapshot")
}

// flakyTransport wraps a real transport and kills each subscription
// after a bounded number of batches, simulating transport loss.
type flakyTransport struct {
	inner    Transport
	rng      *rand.Rand
	mu       sync.Mutex
	connects int
}

func (f *flakyTransport) Subscribe(ctx context.Context, streamID, clientID string, fromSeq int64) (Subscription, error) {
	sub, err := f.inner.Subscribe(ctx, streamID, clientID, fromSeq)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.connects++
	limit := 1 + f.rng.Intn(3)
	f.mu.Unlock()

	fs := &flakySub{
		inner: sub,
		out:   make(chan entry.DeliveryBatch),
		done:  make(chan struct{}),
	}
	go fs.relay(limit)
	return fs, nil
}

func (f *flakyTransport) Snapshot(ctx context.Context, streamID string) (entry.Snapshot, error) {
	return f.inner.Snapshot(ctx, streamID)
}

func (f *flakyTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type flakySub struct {
	inner     Subscription
	out       chan entry.DeliveryBatch
	done      chan struct{}
	closeOnce sync.Once
}

func (s *flakySub) relay(limit int) {
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

func (s *flakySub) Batches() <-chan entry.DeliveryBatch { return s.out }

func (s *flakySub) Ack(ctx context.Context, upToSeq int64) error {
	return s.inner.Ack(ctx, upToSeq)
}

func (s *flakySub) Err() error { return s.inner.Err() }

func (s *flakySub) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.inner.Close()
}

func TestClient_SurvivesReconnectStorm(t *testing.T) {
	log := authority.New(memory.New(), authority.WithNow(fixedNow))
	commitN(t, log, "run-1", 1, 60)

	eng := fanout.NewEngine(log, fanout.WithBatchSize(5), fanout.WithNow(fixedNow))
	flaky := &flakyTransport{
		inner: EngineTransport{Engine: eng},
		rng:   rand.New(rand.NewSource(42)),
	}

	r := New("run-1", appendFolder{})
	c := NewClient(flaky, r, "run-1", "client-a", WithSleep(noSleep))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Keep committing while connections churn underneath the client.
	commitN(t, log, "run-1", 61, 120)
	waitForCursor(t, r, 120)

	cancel()
	<-done

	// Many reconnects happened, yet every entry applied exactly once.
	assert.Greater(t, flaky.connectCount(), 5)
	assert.Equal(t, int64(120), r.Cursor())
	assert.Equal(t, foldedState(1, 120), string(r.State()))
}
