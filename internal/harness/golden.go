package harness

import (
	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ledgerd/internal/entry"
)

// AssertGolden serializes the recorded trace as canonical JSON and
// compares it against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func (h *Harness) AssertGolden(name string) {
	h.t.Helper()

	events := make([]any, len(h.trace))
	for i, ev := range h.trace {
		events[i] = ev
	}
	doc := map[string]any{
		"scenario": name,
		"trace":    events,
	}
	data, err := entry.MarshalCanonical(doc)
	if err != nil {
		h.t.Fatalf("marshal trace: %v", err)
	}

	g := goldie.New(h.t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(h.t, name, data)
}

// Trace returns the recorded events, for assertions beyond golden
// comparison.
func (h *Harness) Trace() []map[string]any {
	return h.trace
}
