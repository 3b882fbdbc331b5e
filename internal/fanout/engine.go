package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

const (
	defaultBatchSize    = 64
	defaultReplayBudget = 1024
)

// Engine delivers committed entries to subscribers in strict seq order
// and classifies cursors it cannot serve. It never mutates log state:
// the only thing it writes is durable subscriber cursors, and only on
// acknowledged delivery.
type Engine struct {
	log          *authority.Log
	backend      store.Backend
	batchSize    int
	replayBudget int64
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize bounds entries per DeliveryBatch. Batching never
// changes ordering.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithReplayBudget bounds how many entries behind head a cursor may be
// and still subscribe. Zero disables the budget.
func WithReplayBudget(n int64) Option {
	return func(e *Engine) { e.replayBudget = n }
}

// WithNow overrides the cursor timestamp source.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a fan-out engine over an authority log. Cursors are
// persisted through the log's own backend.
func NewEngine(log *authority.Log, opts ...Option) *Engine {
	e := &Engine{
		log:          log,
		backend:      log.Backend(),
		batchSize:    defaultBatchSize,
		replayBudget: defaultReplayBudget,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// classify checks a cursor against the stream's floor and head. Order
// matters: a nonsense cursor is unknown before anything else, a trimmed
// cursor is a floor breach even when it also exceeds the budget.
func (e *Engine) classify(streamID, clientID string, fromSeq int64, info entry.StreamInfo) *StaleCursorError {
	stale := func(reason StaleReason) *StaleCursorError {
		return &StaleCursorError{StreamID: streamID, ClientID: clientID, FromSeq: fromSeq, Reason: reason}
	}
	switch {
	case fromSeq < 0 || fromSeq > info.HeadSeq:
		return stale(UnknownCursor{})
	case fromSeq < info.FloorSeq:
		return stale(RetentionFloorBreach{FloorSeq: info.FloorSeq})
	case e.replayBudget > 0 && info.HeadSeq-fromSeq > e.replayBudget:
		return stale(ReplayBudgetExceeded{HeadSeq: info.HeadSeq})
	}
	return nil
}

// Subscribe validates fromSeq (the cursor: delivery starts at
// fromSeq+1) and establishes a live subscription. A cursor the engine
// cannot serve fails with a StaleCursorError carrying recovery
// metadata; the caller resyncs from a snapshot and subscribes again.
//
// The subscription runs until ctx is cancelled or Close is called.
// Cancellation releases the delivery goroutine and its notifier watch
// without touching log state or other subscribers.
func (e *Engine) Subscribe(ctx context.Context, streamID, clientID string, fromSeq int64) (*Subscription, error) {
	if streamID == "" || clientID == "" {
		return nil, fmt.Errorf("subscribe: stream id and client id are required")
	}

	info, err := e.log.Stream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", streamID, clientID, err)
	}
	if stale := e.classify(streamID, clientID, fromSeq, info); stale != nil {
		slog.Info("stale cursor rejected",
			"stream", streamID, "client", clientID, "from", fromSeq, "reason", stale.Reason.String())
		return nil, stale
	}

	ctx, cancel := context.WithCancel(ctx)
	signal, unwatch := e.log.Notifier().Watch(streamID)

	sub := &Subscription{
		engine:   e,
		streamID: streamID,
		clientID: clientID,
		batches:  make(chan entry.DeliveryBatch),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	sub.delivered.Store(fromSeq)

	go sub.run(ctx, fromSeq, signal, unwatch)

	slog.Debug("subscription established",
		"stream", streamID, "client", clientID, "from", fromSeq)
	return sub, nil
}

// Resume subscribes from the client's durable cursor. A client with no
// cursor starts from the stream origin. The resumed cursor is subject
// to the same staleness checks as a fresh subscribe.
func (e *Engine) Resume(ctx context.Context, streamID, clientID string) (*Subscription, error) {
	cur, err := e.backend.LoadCursor(ctx, streamID, clientID)
	if errors.Is(err, store.ErrNoCursor) {
		return e.Subscribe(ctx, streamID, clientID, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("resume %s/%s: %w", streamID, clientID, err)
	}
	return e.Subscribe(ctx, streamID, clientID, cur.LastDeliveredSeq)
}

// Snapshot returns the latest snapshot for stale-cursor recovery.
func (e *Engine) Snapshot(ctx context.Context, streamID string) (entry.Snapshot, error) {
	return e.backend.LatestSnapshot(ctx, streamID)
}
