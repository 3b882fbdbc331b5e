package memory

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
		return New()
	})
}

func TestAppendEntry_CopiesPayload(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	payload := []byte("original")
	require.NoError(t, s.AppendEntry(ctx, entry.LogEntry{
		StreamID: "run-1", Seq: 1, IdempotencyKey: "k1", Payload: payload,
	}))

	// Mutating the caller's slice must not reach committed state.
	payload[0] = 'X'

	e, err := s.Entry(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), e.Payload)
}

func TestClose_DiscardsState(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AppendEntry(ctx, entry.LogEntry{
		StreamID: "run-1", Seq: 1, IdempotencyKey: "k1", Payload: []byte("a"),
	}))
	require.NoError(t, s.Close())

	_, err := s.Stream(ctx, "run-1")
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}
