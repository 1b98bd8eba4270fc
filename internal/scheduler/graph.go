package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// Edge is one dependency edge in the task graph: From depends on To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e Edge) String() string {
	return e.From + " -> " + e.To
}

// CycleError reports a dependency cycle with the full implicated edge
// list. Construction-time only; never retried, only escalated.
type CycleError struct {
	Edges []Edge
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Edges))
	for _, edge := range e.Edges {
		parts = append(parts, edge.String())
	}
	return "dependency cycle: " + strings.Join(parts, ", ")
}

// DeadlockError reports an empty available set while incomplete,
// non-failed tasks remain. Distinct from a cycle: it can arise from
// failed prerequisites. Carries a snapshot of the full task graph.
type DeadlockError struct {
	Snapshot *task.Snapshot
	Blocked  []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("scheduler deadlock: no available tasks, %d blocked: %s",
		len(e.Blocked), strings.Join(e.Blocked, ", "))
}

// InferFileEdges returns the file-inferred dependency edges: task B
// depends on task A when B modifies a file A creates.
func InferFileEdges(tasks []*task.Task) []Edge {
	creators := make(map[string]string) // file -> creating task id
	for _, t := range tasks {
		for _, f := range t.FilesToCreate {
			if _, ok := creators[f]; !ok {
				creators[f] = t.ID
			}
		}
	}

	var edges []Edge
	for _, t := range tasks {
		seen := make(map[string]struct{})
		for _, f := range t.FilesToModify {
			creator, ok := creators[f]
			if !ok || creator == t.ID {
				continue
			}
			if _, dup := seen[creator]; dup {
				continue
			}
			seen[creator] = struct{}{}
			edges = append(edges, Edge{From: t.ID, To: creator})
		}
	}
	return edges
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// DetectCycle runs a three-color depth-first search over the arena and
// returns a CycleError naming every edge on the first cycle found.
// Traversal order is deterministic (sorted ids).
func DetectCycle(tasks []*task.Task) error {
	arena := make(map[string]*task.Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		arena[t.ID] = t
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = colorGray
		path = append(path, id)

		t := arena[id]
		deps := append([]string(nil), t.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := arena[dep]; !ok {
				// Dangling dependency; the availability invariant keeps
				// the task permanently unavailable, surfacing as deadlock.
				continue
			}
			switch color[dep] {
			case colorWhite:
				if cerr := visit(dep); cerr != nil {
					return cerr
				}
			case colorGray:
				// Back edge: the cycle is the path suffix from dep.
				start := 0
				for i, pid := range path {
					if pid == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				edges := make([]Edge, 0, len(cycle))
				for i, from := range cycle {
					to := cycle[(i+1)%len(cycle)]
					edges = append(edges, Edge{From: from, To: to})
				}
				return &CycleError{Edges: edges}
			}
		}

		path = path[:len(path)-1]
		color[id] = colorBlack
		return nil
	}

	for _, id := range ids {
		if color[id] == colorWhite {
			if cerr := visit(id); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}
