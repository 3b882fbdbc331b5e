package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// Subscription is one live delivery channel for one (stream, client)
// pair. Batches arrive strictly in seq order with no gaps for the life
// of the subscription; when it ends, Batches is closed and Err reports
// why.
type Subscription struct {
	engine   *Engine
	streamID string
	clientID string

	batches chan entry.DeliveryBatch
	done    chan struct{}
	cancel  context.CancelFunc

	// delivered is the seq of the last entry handed to the client,
	// advanced by the delivery goroutine and read by Ack.
	delivered atomic.Int64

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Batches is the delivery channel. Closed when the subscription ends.
func (s *Subscription) Batches() <-chan entry.DeliveryBatch {
	return s.batches
}

// Err returns why the subscription ended, nil for a clean close. Valid
// after Batches is closed.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close cancels the subscription. Pending batches are dropped; the
// durable cursor keeps its last acknowledged position.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Ack durably advances the client's cursor to upToSeq. The cursor
// never moves past what was delivered and never moves backward; acking
// at or below the durable position is a no-op, which makes retried
// acks after reconnect harmless.
func (s *Subscription) Ack(ctx context.Context, upToSeq int64) error {
	delivered := s.delivered.Load()
	if upToSeq > delivered {
		return fmt.Errorf("ack %s/%s: seq %d past delivered %d",
			s.streamID, s.clientID, upToSeq, delivered)
	}

	cur, err := s.engine.backend.LoadCursor(ctx, s.streamID, s.clientID)
	if err != nil && !errors.Is(err, store.ErrNoCursor) {
		return fmt.Errorf("ack %s/%s: %w", s.streamID, s.clientID, err)
	}
	if err == nil && upToSeq <= cur.LastDeliveredSeq {
		return nil
	}

	return s.engine.backend.SaveCursor(ctx, entry.Cursor{
		StreamID:         s.streamID,
		ClientID:         s.clientID,
		LastDeliveredSeq: upToSeq,
		IssuedAt:         s.engine.now().UTC(),
	})
}

// run is the delivery loop: drain the backlog in batches, then block on
// the commit signal. Redundant wake-ups are harmless because an empty
// read just parks again.
func (s *Subscription) run(ctx context.Context, fromSeq int64, signal <-chan struct{}, unwatch func()) {
	defer close(s.done)
	defer close(s.batches)
	defer unwatch()

	next := fromSeq + 1
	for {
		page, err := s.engine.log.ReadRange(ctx, s.streamID, next, s.engine.batchSize)
		if err != nil {
			// The floor can overtake a slow subscriber mid-flight. That
			// ends the subscription; the client resyncs via snapshot.
			if authority.IsRetention(err) {
				s.fail(err)
			} else if ctx.Err() == nil {
				s.fail(fmt.Errorf("deliver %s/%s: %w", s.streamID, s.clientID, err))
			}
			return
		}

		if len(page) == 0 {
			select {
			case <-signal:
				continue
			case <-ctx.Done():
				return
			}
		}

		for i, e := range page {
			if e.Seq != next+int64(i) {
				s.fail(fmt.Errorf("deliver %s/%s: gap at seq %d (want %d)",
					s.streamID, s.clientID, e.Seq, next+int64(i)))
				slog.Error("delivery gap", "stream", s.streamID, "client", s.clientID,
					"got", e.Seq, "want", next+int64(i))
				return
			}
		}

		batch := entry.DeliveryBatch{
			StreamID:     s.streamID,
			Entries:      page,
			WatermarkSeq: page[len(page)-1].Seq,
		}
		select {
		case s.batches <- batch:
			s.delivered.Store(batch.WatermarkSeq)
			next = batch.WatermarkSeq + 1
		case <-ctx.Done():
			return
		}
	}
}
