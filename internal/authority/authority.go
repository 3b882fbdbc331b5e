package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// CommitRequest is one proposed append.
type CommitRequest struct {
	StreamID            string
	IdempotencyKey      string
	ExpectedBaseVersion int64
	Payload             []byte
}

// CommitResult is a definite commit outcome. Duplicate means the
// idempotency key was already committed and Seq is the original
// position; nothing was re-applied.
type CommitResult struct {
	Seq       int64
	Duplicate bool
}

// streamState is the per-stream serialization point. The lock channel
// (capacity 1) acts as a mutex that can be acquired with a context, so
// a caller-supplied commit timeout resolves deterministically while
// another commit holds the stream.
type streamState struct {
	lock chan struct{}

	// Fields below are owned by whoever holds lock.
	loaded   bool
	head     int64
	lastHash string
	halted   error // non-nil reason once halted
}

func newStreamState() *streamState {
	return &streamState{lock: make(chan struct{}, 1)}
}

func (st *streamState) acquire(ctx context.Context) error {
	select {
	case st.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *streamState) release() {
	<-st.lock
}

// Log is the authority log. Safe for concurrent use: concurrency across
// streams, serialization within a stream.
type Log struct {
	backend  store.Backend
	notifier *Notifier
	chain    bool
	now      func() time.Time

	mu      sync.Mutex
	streams map[string]*streamState
}

// Option configures a Log.
type Option func(*Log)

// WithChain enables the tamper-evident hash chain. Entries committed
// with chaining off verify trivially, so the chain can be enabled on an
// existing stream going forward.
func WithChain(enabled bool) Option {
	return func(l *Log) { l.chain = enabled }
}

// WithNow overrides the commit timestamp source. Tests use a
// deterministic clock; timestamps never affect ordering.
func WithNow(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an authority log over the given backend.
func New(backend store.Backend, opts ...Option) *Log {
	l := &Log{
		backend:  backend,
		notifier: NewNotifier(),
		now:      time.Now,
		streams:  make(map[string]*streamState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Notifier returns the commit notifier the fan-out engine watches.
func (l *Log) Notifier() *Notifier {
	return l.notifier
}

// Backend exposes the underlying storage for components that share it
// (snapshot manager, fan-out engine).
func (l *Log) Backend() store.Backend {
	return l.backend
}

func (l *Log) stream(streamID string) *streamState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.streams[streamID]
	if !ok {
		st = newStreamState()
		l.streams[streamID] = st
	}
	return st
}

// load populates head and chain position from storage. Called with the
// stream lock held, once per process lifetime per stream.
func (l *Log) load(ctx context.Context, streamID string, st *streamState) error {
	info, err := l.backend.Stream(ctx, streamID)
	if errors.Is(err, store.ErrStreamNotFound) {
		st.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load stream %s: %w", streamID, err)
	}

	st.head = info.HeadSeq
	if l.chain && info.HeadSeq > 0 {
		last, err := l.backend.Entry(ctx, streamID, info.HeadSeq)
		if err != nil {
			return fmt.Errorf("load stream %s: head entry: %w", streamID, err)
		}
		st.lastHash = last.Hash
	}
	st.loaded = true
	return nil
}

// Commit validates and appends one entry.
//
// Outcomes are always definite: a CommitResult with the entry's seq, a
// CommitResult marked Duplicate carrying the original seq, a
// ConflictError carrying the true current head, or an error that left
// the log untouched. The idempotency check, version check, and append
// all happen under the per-stream lock.
func (l *Log) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if req.StreamID == "" {
		return CommitResult{}, fmt.Errorf("commit: stream id is required")
	}
	if req.IdempotencyKey == "" {
		return CommitResult{}, fmt.Errorf("commit: idempotency key is required")
	}

	st := l.stream(req.StreamID)
	if err := st.acquire(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("commit %s: %w", req.StreamID, err)
	}
	defer st.release()

	if !st.loaded {
		if err := l.load(ctx, req.StreamID, st); err != nil {
			return CommitResult{}, err
		}
	}
	if st.halted != nil {
		return CommitResult{}, &HaltError{StreamID: req.StreamID, Reason: st.halted}
	}

	// Idempotent replay: a retried commit returns the original outcome.
	if seq, ok, err := l.backend.SeqForIdempotencyKey(ctx, req.StreamID, req.IdempotencyKey); err != nil {
		return CommitResult{}, fmt.Errorf("commit %s: idempotency lookup: %w", req.StreamID, err)
	} else if ok {
		slog.Debug("duplicate commit replayed",
			"stream", req.StreamID, "key", req.IdempotencyKey, "seq", seq)
		return CommitResult{Seq: seq, Duplicate: true}, nil
	}

	if req.ExpectedBaseVersion != st.head {
		return CommitResult{}, &ConflictError{
			StreamID:      req.StreamID,
			CurrentHead:   st.head,
			CallerVersion: req.ExpectedBaseVersion,
		}
	}

	e := entry.LogEntry{
		StreamID:       req.StreamID,
		Seq:            st.head + 1,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		CommittedAt:    l.now().UTC(),
	}
	if l.chain {
		hash, err := entry.ChainHash(e.StreamID, e.Seq, e.IdempotencyKey, e.Payload, st.lastHash)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit %s: chain hash: %w", req.StreamID, err)
		}
		e.PrevHash = st.lastHash
		e.Hash = hash
	}

	if err := l.backend.AppendEntry(ctx, e); err != nil {
		if errors.Is(err, store.ErrDuplicateSeq) {
			// A seq collision under the stream lock means a second
			// writer bypassed serialization. Halt rather than guess.
			st.halted = fmt.Errorf("seq %d already committed by another writer: %w", e.Seq, err)
			slog.Error("stream halted", "stream", req.StreamID, "reason", st.halted)
			return CommitResult{}, &HaltError{StreamID: req.StreamID, Reason: st.halted}
		}
		return CommitResult{}, fmt.Errorf("commit %s: %w", req.StreamID, err)
	}

	st.head = e.Seq
	st.lastHash = e.Hash

	slog.Debug("entry committed", "stream", e.StreamID, "seq", e.Seq, "key", e.IdempotencyKey)

	// At-least-once: a missed signal is recovered by the next commit or
	// the watcher's own poll; redundant signals coalesce.
	l.notifier.Notify(e.StreamID)

	return CommitResult{Seq: e.Seq}, nil
}

// Halt marks a stream halted with the given reason. Used by chain
// verification and by operators via the CLI.
func (l *Log) Halt(ctx context.Context, streamID string, reason error) {
	st := l.stream(streamID)
	if err := st.acquire(ctx); err != nil {
		return
	}
	defer st.release()
	if st.halted == nil {
		st.halted = reason
		slog.Error("stream halted", "stream", streamID, "reason", reason)
	}
}

// Halted returns the halt reason for a stream, or nil.
func (l *Log) Halted(ctx context.Context, streamID string) error {
	st := l.stream(streamID)
	if err := st.acquire(ctx); err != nil {
		return err
	}
	defer st.release()
	if st.halted == nil {
		return nil
	}
	return &HaltError{StreamID: streamID, Reason: st.halted}
}
