package badgerdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.RunContract(t, func(t *testing.T) store.Backend {
		s, err := OpenInMemory()
		if err != nil {
			t.Fatalf("OpenInMemory() failed: %v", err)
		}
		return s
	})
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.AppendEntry(ctx, entry.LogEntry{
		StreamID: "run-1", Seq: 1, IdempotencyKey: "k1", Payload: []byte("a"),
	}))
	require.NoError(t, s.Close())

	// Reopen and verify the data survived.
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	info, err := s.Stream(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.HeadSeq)

	e, err := s.Entry(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestReadRange_SeqOrderAcrossManyEntries(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// Seq values crossing the single-byte boundary exercise the
	// big-endian key encoding.
	for i := int64(1); i <= 300; i++ {
		require.NoError(t, s.AppendEntry(ctx, entry.LogEntry{
			StreamID: "run-1", Seq: i, IdempotencyKey: entry.MustChainHash("run-1", i, "", nil, ""), Payload: []byte{byte(i)},
		}))
	}

	got, err := s.ReadRange(ctx, "run-1", 250, 0)
	require.NoError(t, err)
	require.Len(t, got, 51)
	for i, e := range got {
		assert.Equal(t, int64(250+i), e.Seq)
	}
}
