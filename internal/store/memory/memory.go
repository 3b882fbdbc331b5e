// Package memory is an in-memory store.Backend for tests, examples,
// and ephemeral streams. State is lost on Close.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

type streamData struct {
	info    entry.StreamInfo
	entries []entry.LogEntry // sorted by Seq ascending
	idemp   map[string]int64 // idempotency_key -> seq
}

type cursorKey struct {
	streamID string
	clientID string
}

// Store is an in-memory store.Backend. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*streamData
	snapshots map[string][]entry.Snapshot // sorted by Seq ascending
	cursors   map[cursorKey]entry.Cursor
}

var _ store.Backend = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		streams:   make(map[string]*streamData),
		snapshots: make(map[string][]entry.Snapshot),
		cursors:   make(map[cursorKey]entry.Cursor),
	}
}

// AppendEntry persists e, its idempotency mapping, and the head advance
// under one lock acquisition.
func (s *Store) AppendEntry(_ context.Context, e entry.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.streams[e.StreamID]
	if !ok {
		sd = &streamData{
			info:  entry.StreamInfo{StreamID: e.StreamID, CreatedAt: e.CommittedAt},
			idemp: make(map[string]int64),
		}
		s.streams[e.StreamID] = sd
	}

	if _, exists := findSeq(sd.entries, e.Seq); exists {
		return fmt.Errorf("append entry %s/%d: %w", e.StreamID, e.Seq, store.ErrDuplicateSeq)
	}

	// Payloads are copied so callers cannot mutate committed entries.
	stored := e
	stored.Payload = append([]byte(nil), e.Payload...)
	sd.entries = append(sd.entries, stored)
	sort.Slice(sd.entries, func(i, j int) bool { return sd.entries[i].Seq < sd.entries[j].Seq })

	if _, taken := sd.idemp[e.IdempotencyKey]; !taken {
		sd.idemp[e.IdempotencyKey] = e.Seq
	}
	if e.Seq > sd.info.HeadSeq {
		sd.info.HeadSeq = e.Seq
	}
	return nil
}

// Stream returns the stream's current info.
func (s *Store) Stream(_ context.Context, streamID string) (entry.StreamInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.streams[streamID]
	if !ok {
		return entry.StreamInfo{}, fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}
	return sd.info, nil
}

// ListStreams returns all streams ordered by stream ID.
func (s *Store) ListStreams(_ context.Context) ([]entry.StreamInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]entry.StreamInfo, 0, len(s.streams))
	for _, sd := range s.streams {
		streams = append(streams, sd.info)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })
	return streams, nil
}

// Entry returns the entry at (streamID, seq).
func (s *Store) Entry(_ context.Context, streamID string, seq int64) (entry.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.streams[streamID]
	if !ok {
		return entry.LogEntry{}, fmt.Errorf("entry %s/%d: %w", streamID, seq, store.ErrEntryNotFound)
	}
	i, exists := findSeq(sd.entries, seq)
	if !exists {
		return entry.LogEntry{}, fmt.Errorf("entry %s/%d: %w", streamID, seq, store.ErrEntryNotFound)
	}
	return sd.entries[i], nil
}

// ReadRange returns up to limit entries with seq >= fromSeq.
func (s *Store) ReadRange(_ context.Context, streamID string, fromSeq int64, limit int) ([]entry.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.streams[streamID]
	if !ok {
		return []entry.LogEntry{}, nil
	}

	start := sort.Search(len(sd.entries), func(i int) bool { return sd.entries[i].Seq >= fromSeq })
	end := len(sd.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]entry.LogEntry, end-start)
	copy(out, sd.entries[start:end])
	return out, nil
}

// SeqForIdempotencyKey returns the seq committed under (streamID, key).
func (s *Store) SeqForIdempotencyKey(_ context.Context, streamID, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.streams[streamID]
	if !ok {
		return 0, false, nil
	}
	seq, ok := sd.idemp[key]
	return seq, ok, nil
}

// PutSnapshot stores a snapshot; same (stream, seq) is a no-op.
func (s *Store) PutSnapshot(_ context.Context, snap entry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.snapshots[snap.StreamID]
	for _, existing := range snaps {
		if existing.Seq == snap.Seq {
			return nil
		}
	}
	stored := snap
	stored.State = append([]byte(nil), snap.State...)
	snaps = append(snaps, stored)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Seq < snaps[j].Seq })
	s.snapshots[snap.StreamID] = snaps
	return nil
}

// LatestSnapshot returns the highest-seq snapshot for a stream.
func (s *Store) LatestSnapshot(_ context.Context, streamID string) (entry.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[streamID]
	if len(snaps) == 0 {
		return entry.Snapshot{}, fmt.Errorf("snapshot for %q: %w", streamID, store.ErrNoSnapshot)
	}
	return snaps[len(snaps)-1], nil
}

// SetRetentionFloor advances the stream's retention floor.
func (s *Store) SetRetentionFloor(_ context.Context, streamID string, floorSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.streams[streamID]
	if !ok {
		return fmt.Errorf("set retention floor %s: %w", streamID, store.ErrStreamNotFound)
	}
	if floorSeq < sd.info.FloorSeq {
		return fmt.Errorf("set retention floor %s to %d: floor moves forward only", streamID, floorSeq)
	}
	sd.info.FloorSeq = floorSeq
	return nil
}

// PruneBelow deletes entries and idempotency rows at or below upToSeq.
func (s *Store) PruneBelow(_ context.Context, streamID string, upToSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.streams[streamID]
	if !ok {
		return 0, nil
	}

	cut := sort.Search(len(sd.entries), func(i int) bool { return sd.entries[i].Seq > upToSeq })
	for _, e := range sd.entries[:cut] {
		if sd.idemp[e.IdempotencyKey] == e.Seq {
			delete(sd.idemp, e.IdempotencyKey)
		}
	}
	removed := int64(cut)
	sd.entries = append([]entry.LogEntry(nil), sd.entries[cut:]...)
	return removed, nil
}

// SaveCursor upserts a subscriber cursor.
func (s *Store) SaveCursor(_ context.Context, c entry.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey{c.StreamID, c.ClientID}] = c
	return nil
}

// LoadCursor returns the durable cursor for (streamID, clientID).
func (s *Store) LoadCursor(_ context.Context, streamID, clientID string) (entry.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[cursorKey{streamID, clientID}]
	if !ok {
		return entry.Cursor{}, fmt.Errorf("cursor %s/%s: %w", streamID, clientID, store.ErrNoCursor)
	}
	return c, nil
}

// Close discards all state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string]*streamData)
	s.snapshots = make(map[string][]entry.Snapshot)
	s.cursors = make(map[cursorKey]entry.Cursor)
	return nil
}

// findSeq locates seq in a sorted entry slice.
func findSeq(entries []entry.LogEntry, seq int64) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq >= seq })
	if i < len(entries) && entries[i].Seq == seq {
		return i, true
	}
	return 0, false
}
