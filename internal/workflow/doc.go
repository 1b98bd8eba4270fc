// Package workflow drives the five-phase gated pipeline: Planning,
// Validation, Implementation, Verification, Completion.
//
// The controller is the single writer for task, milestone and phase
// state. Inside Implementation it repeatedly asks the scheduler for
// runnable work, hands batches to the coordinator, and routes results
// through the review dispatcher. Every phase transition and every task
// terminal state change persists a checkpoint before the next
// state-mutating action; every unresolved failure writes an escalation
// and pauses the run in a resumable state.
package workflow
