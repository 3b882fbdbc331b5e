package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainHash_StableAndDistinct(t *testing.T) {
	h1 := MustChainHash("run-1", 1, "cmd-1", []byte("payload"), "")
	h2 := MustChainHash("run-1", 1, "cmd-1", []byte("payload"), "")
	assert.Equal(t, h1, h2, "same inputs must hash identically")

	// Any field change must change the hash.
	assert.NotEqual(t, h1, MustChainHash("run-2", 1, "cmd-1", []byte("payload"), ""))
	assert.NotEqual(t, h1, MustChainHash("run-1", 2, "cmd-1", []byte("payload"), ""))
	assert.NotEqual(t, h1, MustChainHash("run-1", 1, "cmd-2", []byte("payload"), ""))
	assert.NotEqual(t, h1, MustChainHash("run-1", 1, "cmd-1", []byte("other"), ""))
	assert.NotEqual(t, h1, MustChainHash("run-1", 1, "cmd-1", []byte("payload"), h2))
}

func TestVerifyLink(t *testing.T) {
	first := LogEntry{
		StreamID:       "run-1",
		Seq:            1,
		IdempotencyKey: "cmd-1",
		Payload:        []byte("a"),
	}
	first.Hash = MustChainHash(first.StreamID, first.Seq, first.IdempotencyKey, first.Payload, "")

	second := LogEntry{
		StreamID:       "run-1",
		Seq:            2,
		IdempotencyKey: "cmd-2",
		Payload:        []byte("b"),
		PrevHash:       first.Hash,
	}
	second.Hash = MustChainHash(second.StreamID, second.Seq, second.IdempotencyKey, second.Payload, first.Hash)

	require.NoError(t, VerifyLink(first, ""))
	require.NoError(t, VerifyLink(second, first.Hash))

	// Tampered payload breaks the link.
	tampered := second
	tampered.Payload = []byte("B")
	assert.Error(t, VerifyLink(tampered, first.Hash))

	// Wrong chain position breaks the link.
	assert.Error(t, VerifyLink(second, "bogus"))

	// Unchained entries always verify.
	assert.NoError(t, VerifyLink(LogEntry{StreamID: "run-1", Seq: 3}, "anything"))
}

func TestConflictID_ContentAddressed(t *testing.T) {
	a := ConflictTicket{StreamID: "doc-1", IdempotencyKey: "e1", CurrentVersion: 5, CallerVersion: 3}
	b := a

	idA, err := ConflictID(a)
	require.NoError(t, err)
	idB, err := ConflictID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	b.CurrentVersion = 6
	idB, err = ConflictID(b)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestDeliveryBatch_First(t *testing.T) {
	assert.Equal(t, int64(0), DeliveryBatch{}.First())
	b := DeliveryBatch{Entries: []LogEntry{{Seq: 3}, {Seq: 4}}, WatermarkSeq: 4}
	assert.Equal(t, int64(3), b.First())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("id-1", "id-2")
	assert.Equal(t, "id-1", g.Generate())
	assert.Equal(t, "id-2", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}
