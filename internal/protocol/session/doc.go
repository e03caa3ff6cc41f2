// Package session owns the reassembly session table.
//
// Ownership boundary:
// - per-connection session lifecycle (create on first chunk, drain on
//   completion, bulk clear on connect/disconnect)
// - per-index idempotent chunk storage and completion counters
// - optional idle eviction
//
// A Table is never shared across connections: session ids are only unique
// within one connection's session space.
package session
