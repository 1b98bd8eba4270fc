package agent

import (
	"errors"
	"fmt"
)

// FaultKind categorizes failures of external calls and the workflow's
// response to them. Only transient and timeout faults are retried
// locally; every other kind produces a durable escalation.
type FaultKind string

const (
	// FaultTransient covers network and rate-limit style failures.
	// Retried with exponential backoff, bounded.
	FaultTransient FaultKind = "transient"

	// FaultTimeout indicates an external call exceeded its budget.
	// Retried once with an extended budget, then escalated.
	FaultTimeout FaultKind = "timeout"

	// FaultAgentFailure indicates the backend produced invalid or
	// unusable output. A configured fallback backend is tried before
	// escalating.
	FaultAgentFailure FaultKind = "agent_failure"

	// FaultReviewConflict indicates the dual reviewers could not be
	// resolved by category weighting.
	FaultReviewConflict FaultKind = "review_conflict"

	// FaultSpecMismatch indicates the artifact contradicts the
	// specification. Always escalated, never auto-resolved.
	FaultSpecMismatch FaultKind = "spec_mismatch"

	// FaultBlockingSecurity indicates a reviewer flagged a critical
	// security issue. Halts immediately, bypassing retry.
	FaultBlockingSecurity FaultKind = "blocking_security"

	// FaultDeadlock indicates the scheduler's available set is empty
	// while incomplete non-failed tasks remain.
	FaultDeadlock FaultKind = "deadlock"

	// FaultGraphCycle indicates a dependency cycle found at graph
	// construction, before any task entered the runnable pool.
	FaultGraphCycle FaultKind = "graph_cycle"

	// FaultMergeConflict indicates a working copy could not be
	// integrated into the shared baseline.
	FaultMergeConflict FaultKind = "merge_conflict"
)

// Retryable reports whether the kind is retried locally and silently.
func (k FaultKind) Retryable() bool {
	return k == FaultTransient || k == FaultTimeout
}

// Fault is a structured failure of an external call or workflow step.
type Fault struct {
	Kind      FaultKind // taxonomy category
	Operation string    // the operation that failed
	Err       error     // underlying error
	Context   string    // extra detail for escalation records
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Operation, f.Kind)
	}
	if f.Context != "" {
		return fmt.Sprintf("%s: %s: %v (%s)", f.Operation, f.Kind, f.Err, f.Context)
	}
	return fmt.Sprintf("%s: %s: %v", f.Operation, f.Kind, f.Err)
}

// Unwrap allows errors.Is and errors.As to reach the underlying error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault creates a categorized fault.
func NewFault(kind FaultKind, operation string, err error) *Fault {
	return &Fault{Kind: kind, Operation: operation, Err: err}
}

// WithContext attaches escalation context to the fault.
func (f *Fault) WithContext(ctx string) *Fault {
	f.Context = ctx
	return f
}

// KindOf extracts the fault kind from an error chain. Uncategorized
// errors default to agent_failure: an external call failed in a way the
// caller could not classify, so the fallback path applies.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultAgentFailure
}
