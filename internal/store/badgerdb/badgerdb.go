// Package badgerdb is an embedded KV store.Backend on BadgerDB.
//
// Keys are laid out so that a prefix iterator yields entries in seq
// order without sorting:
//
//	e\x00<stream>\x00<seq be64>  -> encoded entry
//	s\x00<stream>                -> stream meta
//	i\x00<stream>\x00<key>       -> seq be64
//	n\x00<stream>\x00<seq be64>  -> encoded snapshot
//	c\x00<stream>\x00<client>    -> encoded cursor
//
// Stream and client IDs must not contain NUL bytes.
package badgerdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
)

// Store is a BadgerDB-backed store.Backend.
type Store struct {
	db *badger.DB
}

var _ store.Backend = (*Store)(nil)

// Open creates or opens a Badger database at dir. Badger's own logging
// is disabled; callers log through slog at the component layer.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a Badger database with no disk persistence.
// Used by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Persisted record shapes. These are storage encodings, not wire or
// hash encodings, so plain encoding/json is fine.

type entryRecord struct {
	IdempotencyKey string `json:"idempotency_key"`
	Payload        []byte `json:"payload"`
	CommittedAt    int64  `json:"committed_at"`
	PrevHash       string `json:"prev_hash,omitempty"`
	Hash           string `json:"hash,omitempty"`
}

type streamRecord struct {
	HeadSeq   int64 `json:"head_seq"`
	FloorSeq  int64 `json:"floor_seq"`
	CreatedAt int64 `json:"created_at"`
}

type snapshotRecord struct {
	State     []byte `json:"state"`
	CreatedAt int64  `json:"created_at"`
}

type cursorRecord struct {
	LastDeliveredSeq int64 `json:"last_delivered_seq"`
	IssuedAt         int64 `json:"issued_at"`
}

func seqBytes(seq int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

func key(kind byte, parts ...[]byte) []byte {
	out := []byte{kind}
	for _, p := range parts {
		out = append(out, 0x00)
		out = append(out, p...)
	}
	return out
}

func entryKey(streamID string, seq int64) []byte {
	return key('e', []byte(streamID), seqBytes(seq))
}

func entryPrefix(streamID string) []byte {
	return key('e', []byte(streamID), nil)
}

// AppendEntry writes the entry, idempotency mapping, and head advance
// in a single Badger transaction.
func (s *Store) AppendEntry(_ context.Context, e entry.LogEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ek := entryKey(e.StreamID, e.Seq)
		if _, err := txn.Get(ek); err == nil {
			return fmt.Errorf("append entry %s/%d: %w", e.StreamID, e.Seq, store.ErrDuplicateSeq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("append entry: check seq: %w", err)
		}

		rec, err := json.Marshal(entryRecord{
			IdempotencyKey: e.IdempotencyKey,
			Payload:        e.Payload,
			CommittedAt:    e.CommittedAt.UnixNano(),
			PrevHash:       e.PrevHash,
			Hash:           e.Hash,
		})
		if err != nil {
			return fmt.Errorf("append entry: encode: %w", err)
		}
		if err := txn.Set(ek, rec); err != nil {
			return fmt.Errorf("append entry: set: %w", err)
		}

		ik := key('i', []byte(e.StreamID), []byte(e.IdempotencyKey))
		if _, err := txn.Get(ik); errors.Is(err, badger.ErrKeyNotFound) {
			if err := txn.Set(ik, seqBytes(e.Seq)); err != nil {
				return fmt.Errorf("append entry: idempotency row: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("append entry: check idempotency: %w", err)
		}

		sk := key('s', []byte(e.StreamID))
		var sr streamRecord
		item, err := txn.Get(sk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			sr = streamRecord{HeadSeq: e.Seq, CreatedAt: e.CommittedAt.UnixNano()}
		case err != nil:
			return fmt.Errorf("append entry: read stream meta: %w", err)
		default:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &sr) }); err != nil {
				return fmt.Errorf("append entry: decode stream meta: %w", err)
			}
			if e.Seq > sr.HeadSeq {
				sr.HeadSeq = e.Seq
			}
		}
		meta, err := json.Marshal(sr)
		if err != nil {
			return fmt.Errorf("append entry: encode stream meta: %w", err)
		}
		if err := txn.Set(sk, meta); err != nil {
			return fmt.Errorf("append entry: advance head: %w", err)
		}
		return nil
	})
}

func (s *Store) readStream(txn *badger.Txn, streamID string) (streamRecord, error) {
	var sr streamRecord
	item, err := txn.Get(key('s', []byte(streamID)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sr, fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}
	if err != nil {
		return sr, fmt.Errorf("read stream meta: %w", err)
	}
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &sr) }); err != nil {
		return sr, fmt.Errorf("decode stream meta: %w", err)
	}
	return sr, nil
}

// Stream returns the stream's current info.
func (s *Store) Stream(_ context.Context, streamID string) (entry.StreamInfo, error) {
	var info entry.StreamInfo
	err := s.db.View(func(txn *badger.Txn) error {
		sr, err := s.readStream(txn, streamID)
		if err != nil {
			return err
		}
		info = entry.StreamInfo{
			StreamID:  streamID,
			HeadSeq:   sr.HeadSeq,
			FloorSeq:  sr.FloorSeq,
			CreatedAt: time.Unix(0, sr.CreatedAt).UTC(),
		}
		return nil
	})
	return info, err
}

// ListStreams returns all streams ordered by stream ID.
func (s *Store) ListStreams(_ context.Context) ([]entry.StreamInfo, error) {
	streams := []entry.StreamInfo{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{'s', 0x00}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			streamID := string(item.Key()[len(prefix):])
			var sr streamRecord
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &sr) }); err != nil {
				return fmt.Errorf("decode stream meta: %w", err)
			}
			streams = append(streams, entry.StreamInfo{
				StreamID:  streamID,
				HeadSeq:   sr.HeadSeq,
				FloorSeq:  sr.FloorSeq,
				CreatedAt: time.Unix(0, sr.CreatedAt).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })
	return streams, nil
}

func decodeEntry(streamID string, seq int64, data []byte) (entry.LogEntry, error) {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return entry.LogEntry{}, fmt.Errorf("decode entry %s/%d: %w", streamID, seq, err)
	}
	return entry.LogEntry{
		StreamID:       streamID,
		Seq:            seq,
		IdempotencyKey: rec.IdempotencyKey,
		Payload:        rec.Payload,
		CommittedAt:    time.Unix(0, rec.CommittedAt).UTC(),
		PrevHash:       rec.PrevHash,
		Hash:           rec.Hash,
	}, nil
}

// Entry returns the entry at (streamID, seq).
func (s *Store) Entry(_ context.Context, streamID string, seq int64) (entry.LogEntry, error) {
	var e entry.LogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(streamID, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("entry %s/%d: %w", streamID, seq, store.ErrEntryNotFound)
		}
		if err != nil {
			return fmt.Errorf("read entry: %w", err)
		}
		return item.Value(func(v []byte) error {
			e, err = decodeEntry(streamID, seq, v)
			return err
		})
	})
	return e, err
}

// ReadRange returns up to limit entries with seq >= fromSeq. Big-endian
// seq keys make the iterator order the seq order.
func (s *Store) ReadRange(_ context.Context, streamID string, fromSeq int64, limit int) ([]entry.LogEntry, error) {
	entries := []entry.LogEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := entryPrefix(streamID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := entryKey(streamID, fromSeq)
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			item := it.Item()
			k := item.Key()
			seq := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
			var e entry.LogEntry
			if err := item.Value(func(v []byte) error {
				var err error
				e, err = decodeEntry(streamID, seq, v)
				return err
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SeqForIdempotencyKey returns the seq committed under (streamID, key).
func (s *Store) SeqForIdempotencyKey(_ context.Context, streamID, idemKey string) (int64, bool, error) {
	var seq int64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key('i', []byte(streamID), []byte(idemKey)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read idempotency key: %w", err)
		}
		found = true
		return item.Value(func(v []byte) error {
			seq = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	return seq, found, err
}

// PutSnapshot stores a snapshot; same (stream, seq) is a no-op.
func (s *Store) PutSnapshot(_ context.Context, snap entry.Snapshot) error {
	return s.db.Update(func(txn *badger.Txn) error {
		k := key('n', []byte(snap.StreamID), seqBytes(snap.Seq))
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("put snapshot: check: %w", err)
		}
		rec, err := json.Marshal(snapshotRecord{
			State:     snap.State,
			CreatedAt: snap.CreatedAt.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("put snapshot: encode: %w", err)
		}
		if err := txn.Set(k, rec); err != nil {
			return fmt.Errorf("put snapshot: set: %w", err)
		}
		return nil
	})
}

// LatestSnapshot returns the highest-seq snapshot by iterating the
// snapshot prefix in reverse.
func (s *Store) LatestSnapshot(_ context.Context, streamID string) (entry.Snapshot, error) {
	var snap entry.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := key('n', []byte(streamID), nil)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key under the prefix.
		seek := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return fmt.Errorf("snapshot for %q: %w", streamID, store.ErrNoSnapshot)
		}
		item := it.Item()
		k := item.Key()
		seq := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
		var rec snapshotRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		snap = entry.Snapshot{
			StreamID:  streamID,
			Seq:       seq,
			State:     rec.State,
			CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
		}
		return nil
	})
	return snap, err
}

// SetRetentionFloor advances the stream's retention floor.
func (s *Store) SetRetentionFloor(_ context.Context, streamID string, floorSeq int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		sr, err := s.readStream(txn, streamID)
		if err != nil {
			return err
		}
		if floorSeq < sr.FloorSeq {
			return fmt.Errorf("set retention floor %s to %d: floor moves forward only", streamID, floorSeq)
		}
		sr.FloorSeq = floorSeq
		meta, err := json.Marshal(sr)
		if err != nil {
			return fmt.Errorf("set retention floor: encode: %w", err)
		}
		return txn.Set(key('s', []byte(streamID)), meta)
	})
}

// PruneBelow deletes entries and idempotency rows at or below upToSeq.
func (s *Store) PruneBelow(_ context.Context, streamID string, upToSeq int64) (int64, error) {
	var removed int64
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := entryPrefix(streamID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		type victim struct {
			key      []byte
			idemKey  string
			entrySeq int64
		}
		var victims []victim
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			seq := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
			if seq > upToSeq {
				break
			}
			var rec entryRecord
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				it.Close()
				return fmt.Errorf("prune: decode entry: %w", err)
			}
			victims = append(victims, victim{key: item.KeyCopy(nil), idemKey: rec.IdempotencyKey, entrySeq: seq})
		}
		it.Close()

		for _, v := range victims {
			if err := txn.Delete(v.key); err != nil {
				return fmt.Errorf("prune: delete entry: %w", err)
			}
			ik := key('i', []byte(streamID), []byte(v.idemKey))
			if item, err := txn.Get(ik); err == nil {
				var mapped int64
				if err := item.Value(func(val []byte) error {
					mapped = int64(binary.BigEndian.Uint64(val))
					return nil
				}); err != nil {
					return fmt.Errorf("prune: read idempotency row: %w", err)
				}
				if mapped == v.entrySeq {
					if err := txn.Delete(ik); err != nil {
						return fmt.Errorf("prune: delete idempotency row: %w", err)
					}
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("prune: check idempotency row: %w", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// SaveCursor upserts a subscriber cursor.
func (s *Store) SaveCursor(_ context.Context, c entry.Cursor) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := json.Marshal(cursorRecord{
			LastDeliveredSeq: c.LastDeliveredSeq,
			IssuedAt:         c.IssuedAt.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("save cursor: encode: %w", err)
		}
		return txn.Set(key('c', []byte(c.StreamID), []byte(c.ClientID)), rec)
	})
}

// LoadCursor returns the durable cursor for (streamID, clientID).
func (s *Store) LoadCursor(_ context.Context, streamID, clientID string) (entry.Cursor, error) {
	var c entry.Cursor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key('c', []byte(streamID), []byte(clientID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("cursor %s/%s: %w", streamID, clientID, store.ErrNoCursor)
		}
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		var rec cursorRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return fmt.Errorf("decode cursor: %w", err)
		}
		c = entry.Cursor{
			StreamID:         streamID,
			ClientID:         clientID,
			LastDeliveredSeq: rec.LastDeliveredSeq,
			IssuedAt:         time.Unix(0, rec.IssuedAt).UTC(),
		}
		return nil
	})
	return c, err
}
