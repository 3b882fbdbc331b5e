package authority

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgerd/internal/entry"
)

// Stream returns a stream's current head and retention floor. Unknown
// streams are store.ErrStreamNotFound: reads never create streams.
func (l *Log) Stream(ctx context.Context, streamID string) (entry.StreamInfo, error) {
	return l.backend.Stream(ctx, streamID)
}

// ReadRange returns up to limit committed entries with seq >= fromSeq
// in strictly increasing order.
//
// Requests at or below the retention floor fail with a RetentionError
// carrying the floor, redirecting the caller to snapshot recovery.
// Entries below the floor may already be physically gone; serving a
// partial range silently would break the gap-free delivery contract.
func (l *Log) ReadRange(ctx context.Context, streamID string, fromSeq int64, limit int) ([]entry.LogEntry, error) {
	info, err := l.backend.Stream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq <= info.FloorSeq {
		return nil, &RetentionError{StreamID: streamID, FromSeq: fromSeq, FloorSeq: info.FloorSeq}
	}
	return l.backend.ReadRange(ctx, streamID, fromSeq, limit)
}

// verifyPageSize bounds how many entries VerifyChain holds in memory at
// once.
const verifyPageSize = 256

// VerifyChain walks the stream's hash chain above the retention floor
// and reports the first broken link. A broken link halts the stream.
//
// Entries below the floor are trimmed, so verification anchors at the
// first retained entry's PrevHash rather than the stream origin.
func (l *Log) VerifyChain(ctx context.Context, streamID string) error {
	info, err := l.backend.Stream(ctx, streamID)
	if err != nil {
		return err
	}

	from := info.FloorSeq + 1
	prev := ""
	first := true
	for from <= info.HeadSeq {
		page, err := l.backend.ReadRange(ctx, streamID, from, verifyPageSize)
		if err != nil {
			return fmt.Errorf("verify %s: %w", streamID, err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if first {
				prev = e.PrevHash
				first = false
			}
			if err := entry.VerifyLink(e, prev); err != nil {
				l.Halt(ctx, streamID, err)
				return fmt.Errorf("verify %s: %w", streamID, err)
			}
			prev = e.Hash
		}
		from = page[len(page)-1].Seq + 1
	}

	slog.Debug("chain verified", "stream", streamID, "head", info.HeadSeq, "floor", info.FloorSeq)
	return nil
}
