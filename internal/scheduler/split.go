package scheduler

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// SplitOversized replaces every pending task whose composite complexity
// exceeds the threshold with smaller tasks before it can become
// available. The strategy follows the dominant score component:
//
//   - file_scope: split by directory grouping, sibling tasks
//   - cross_file_deps: split by architectural layer with a linear chain
//   - semantic/uncertainty/token: split per acceptance criterion, siblings
//
// Split tasks inherit the original's external dependencies; the
// original is removed and never re-entered.
func (s *Scheduler) SplitOversized() error {
	for _, t := range s.store.List() {
		if t.Status != task.StatusPending {
			continue
		}
		score := t.Complexity.Composite()
		if score <= s.config.SplitThreshold {
			continue
		}

		subs := s.split(t)
		if len(subs) < 2 {
			// Nothing to divide along; the task runs as-is.
			continue
		}

		if err := s.store.Replace(t.ID, subs); err != nil {
			return fmt.Errorf("failed to split task %s: %w", t.ID, err)
		}
		s.logger.Info("auto-split oversized task",
			zap.String("task_id", t.ID),
			zap.Float64("score", score),
			zap.String("dominant", string(t.Complexity.Dominant())),
			zap.Int("subtasks", len(subs)),
		)
	}
	return nil
}

func (s *Scheduler) split(t *task.Task) []*task.Task {
	switch t.Complexity.Dominant() {
	case task.ComponentFileScope:
		return splitByDirectory(t)
	case task.ComponentCrossFileDeps:
		return splitByLayer(t)
	default:
		return splitByCriterion(t)
	}
}

// splitByDirectory groups the task's files by directory; each group
// becomes a sibling sub-task with no inter-dependencies.
func splitByDirectory(t *task.Task) []*task.Task {
	type group struct {
		create []string
		modify []string
	}
	groups := make(map[string]*group)
	dirOf := func(f string) string {
		d := path.Dir(f)
		if d == "" {
			return "."
		}
		return d
	}
	for _, f := range t.FilesToCreate {
		d := dirOf(f)
		if groups[d] == nil {
			groups[d] = &group{}
		}
		groups[d].create = append(groups[d].create, f)
	}
	for _, f := range t.FilesToModify {
		d := dirOf(f)
		if groups[d] == nil {
			groups[d] = &group{}
		}
		groups[d].modify = append(groups[d].modify, f)
	}
	if len(groups) < 2 {
		return nil
	}

	dirs := make([]string, 0, len(groups))
	for d := range groups {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	subs := make([]*task.Task, 0, len(dirs))
	for i, d := range dirs {
		g := groups[d]
		subs = append(subs, subTask(t, i, fmt.Sprintf("%s (%s)", t.Title, d), g.create, g.modify, t.AcceptanceCriteria, len(dirs)))
	}
	return subs
}

// layerOf classifies a file path into an architectural layer. Lower
// layers are built first; the split introduces a linear chain between
// them.
func layerOf(f string) int {
	lower := strings.ToLower(f)
	switch {
	case containsAny(lower, "model", "schema", "store", "storage", "db", "migration", "entity", "types"):
		return 0
	case containsAny(lower, "api", "http", "handler", "cmd", "cli", "ui", "view", "route"):
		return 2
	default:
		return 1 // service / domain logic
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var layerNames = [3]string{"data layer", "domain layer", "interface layer"}

// splitByLayer partitions files into architectural layers and chains
// the resulting sub-tasks: each layer depends on the one below it.
func splitByLayer(t *task.Task) []*task.Task {
	type group struct {
		create []string
		modify []string
	}
	var groups [3]*group
	for _, f := range t.FilesToCreate {
		l := layerOf(f)
		if groups[l] == nil {
			groups[l] = &group{}
		}
		groups[l].create = append(groups[l].create, f)
	}
	for _, f := range t.FilesToModify {
		l := layerOf(f)
		if groups[l] == nil {
			groups[l] = &group{}
		}
		groups[l].modify = append(groups[l].modify, f)
	}

	used := 0
	for _, g := range groups {
		if g != nil {
			used++
		}
	}
	if used < 2 {
		return nil
	}

	var subs []*task.Task
	var prev string
	i := 0
	for layer, g := range groups {
		if g == nil {
			continue
		}
		sub := subTask(t, i, fmt.Sprintf("%s (%s)", t.Title, layerNames[layer]), g.create, g.modify, t.AcceptanceCriteria, used)
		if prev != "" {
			// Linear chain between layers, on top of inherited deps.
			sub.Dependencies = append(sub.Dependencies, prev)
		}
		prev = sub.ID
		subs = append(subs, sub)
		i++
	}
	return subs
}

// splitByCriterion creates one sibling sub-task per acceptance
// criterion; each carries the full file sets (their union stays a
// subset of the original's).
func splitByCriterion(t *task.Task) []*task.Task {
	if len(t.AcceptanceCriteria) < 2 {
		return nil
	}
	subs := make([]*task.Task, 0, len(t.AcceptanceCriteria))
	for i, criterion := range t.AcceptanceCriteria {
		subs = append(subs, subTask(t, i, fmt.Sprintf("%s: %s", t.Title, criterion),
			t.FilesToCreate, t.FilesToModify, []string{criterion}, len(t.AcceptanceCriteria)))
	}
	return subs
}

// splitSuffix labels split products a..z, then aa, ab, ... so ids stay
// letter-only at any fan-out.
func splitSuffix(idx int) string {
	var b []byte
	for {
		b = append([]byte{byte('a' + idx%26)}, b...)
		idx = idx/26 - 1
		if idx < 0 {
			return string(b)
		}
	}
}

// subTask builds one split product. External dependencies are
// inherited; complexity components shrink with the fan-out so split
// products do not re-trigger the threshold.
func subTask(t *task.Task, idx int, title string, create, modify, criteria []string, fanout int) *task.Task {
	scale := 1.0 / float64(fanout)
	return &task.Task{
		ID:                 t.ID + "-" + splitSuffix(idx),
		Title:              title,
		Dependencies:       append([]string(nil), t.Dependencies...),
		FilesToCreate:      append([]string(nil), create...),
		FilesToModify:      append([]string(nil), modify...),
		AcceptanceCriteria: append([]string(nil), criteria...),
		Priority:           t.Priority,
		Complexity: task.Complexity{
			FileScope:     t.Complexity.FileScope * scale,
			CrossFileDeps: t.Complexity.CrossFileDeps * scale,
			Semantic:      t.Complexity.Semantic * scale,
			Uncertainty:   t.Complexity.Uncertainty * scale,
			TokenPenalty:  t.Complexity.TokenPenalty * scale,
		},
		MaxAttempts: t.MaxAttempts,
		MilestoneID: t.MilestoneID,
	}
}
