// Package scheduler builds the task dependency graph and selects
// runnable work.
//
// The graph is an arena of tasks keyed by id with adjacency as id
// lists. Cycle detection runs at construction time with a three-color
// depth-first search; a cycle is a graph-level fault carrying the full
// implicated edge list and is never retried. Oversized tasks are split
// before they ever become available.
package scheduler
