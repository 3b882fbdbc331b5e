// Package harness runs end-to-end scenarios across the full stack:
// authority log, snapshot manager, fan-out engine, and mutation
// protocol wired together over an in-memory backend with a
// deterministic clock.
//
// Scenario runs record a trace of observable events (commits,
// conflicts, snapshots, deliveries, stale-cursor rejections) in
// canonical JSON, compared against golden files. The traces double as
// executable documentation of the delivery contract.
package harness
