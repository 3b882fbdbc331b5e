package fanout

import (
	"errors"
	"fmt"
)

// StaleReason classifies why a cursor can no longer be served from the
// log. Each reason carries the metadata the client needs to recover.
type StaleReason interface {
	staleReason()
	String() string
}

// RetentionFloorBreach means the cursor points below the retention
// floor: the entries it would need are trimmed. Recovery is a snapshot
// fetch and resubscribe from FloorSeq or later.
type RetentionFloorBreach struct {
	FloorSeq int64
}

func (RetentionFloorBreach) staleReason() {}

func (r RetentionFloorBreach) String() string {
	return fmt.Sprintf("retention floor breach (floor %d)", r.FloorSeq)
}

// ReplayBudgetExceeded means the cursor is retained but too far behind
// head: replaying the backlog entry by entry would exceed the
// configured budget. Recovery is a snapshot fetch and resubscribe.
type ReplayBudgetExceeded struct {
	HeadSeq int64
}

func (ReplayBudgetExceeded) staleReason() {}

func (r ReplayBudgetExceeded) String() string {
	return fmt.Sprintf("replay budget exceeded (head %d)", r.HeadSeq)
}

// UnknownCursor means the cursor is nonsensical for the stream:
// negative, or ahead of the committed head.
type UnknownCursor struct{}

func (UnknownCursor) staleReason() {}

func (UnknownCursor) String() string { return "unknown cursor" }

// StaleCursorError rejects a subscribe whose cursor cannot be served.
// Never returned for a cursor the engine could serve correctly: partial
// or reordered history is never an option.
type StaleCursorError struct {
	StreamID string
	ClientID string
	FromSeq  int64
	Reason   StaleReason
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("stale cursor %d for %s/%s: %s",
		e.FromSeq, e.StreamID, e.ClientID, e.Reason)
}

// IsStaleCursor reports whether err is a StaleCursorError and returns
// it if so.
func IsStaleCursor(err error) (*StaleCursorError, bool) {
	var sc *StaleCursorError
	if errors.As(err, &sc) {
		return sc, true
	}
	return nil, false
}
