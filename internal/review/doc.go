// Package review implements the dual-reviewer ("4-eyes") protocol.
//
// Every gate artifact and completed task is sent concurrently to two
// independent reviewer backends. Approval requires both; a single
// rejection is resolved by category-weighted scoring, and anything the
// weighting cannot resolve escalates rather than guesses.
package review
