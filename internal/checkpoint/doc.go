// Package checkpoint persists workflow state snapshots.
//
// The store is append-only: one JSON record per checkpoint with a
// monotonically increasing sequence id, most-recent-wins for resume.
// Writes are synchronous; the controller does not take a second
// state-mutating action before the prior write is durable.
package checkpoint
