// Package history provides the pure building blocks for incremental pump
// history synchronization: the range gap resolver, which computes which
// sequence-numbered records are still missing from an observed set, and the
// processor registry, which enumerates the fixed set of history categories
// the sync engine tracks independently.
//
// Everything in this package is stateless. Durable sync progress lives in
// the store package; the orchestration that consumes these helpers lives in
// the engine package.
package history
