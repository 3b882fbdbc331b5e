package authority

import (
	"errors"
	"fmt"
)

// ConflictError reports an optimistic-concurrency mismatch: the
// caller's ExpectedBaseVersion does not equal the stream's true head.
// It always carries the real current head so the caller can re-read and
// retry. The commit was not applied, fully or partially.
type ConflictError struct {
	StreamID      string
	CurrentHead   int64
	CallerVersion int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on %s: expected base %d, head is %d",
		e.StreamID, e.CallerVersion, e.CurrentHead)
}

// IsConflict reports whether err is a ConflictError, unwrapping as
// needed.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// AsConflict extracts the ConflictError from err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RetentionError reports a read below the retention floor. The caller
// must recover via snapshot; the requested entries may no longer exist.
type RetentionError struct {
	StreamID string
	FromSeq  int64
	FloorSeq int64
}

// Error implements the error interface.
func (e *RetentionError) Error() string {
	return fmt.Sprintf("read from %d on %s is below retention floor %d: recover via snapshot",
		e.FromSeq, e.StreamID, e.FloorSeq)
}

// IsRetention reports whether err is a RetentionError.
func IsRetention(err error) bool {
	var re *RetentionError
	return errors.As(err, &re)
}

// HaltError reports that a stream is halted after a detected integrity
// violation. Commits fail with this error until the stream is manually
// reconciled; automatic repair is deliberately not attempted.
type HaltError struct {
	StreamID string
	Reason   error
}

// Error implements the error interface.
func (e *HaltError) Error() string {
	return fmt.Sprintf("stream %s is halted: %v", e.StreamID, e.Reason)
}

// Unwrap exposes the halt reason for errors.Is/As.
func (e *HaltError) Unwrap() error { return e.Reason }

// IsHalted reports whether err is a HaltError.
func IsHalted(err error) bool {
	var he *HaltError
	return errors.As(err, &he)
}
