package scheduler

import (
	"strings"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// vague markers feed the requirement_uncertainty component.
var uncertaintyMarkers = []string{
	"maybe", "possibly", "appropriate", "as needed", "etc", "tbd",
	"somehow", "flexible", "reasonable",
}

// EstimateComplexity scores a task that arrived without complexity
// components. Each component lands on its bounded scale; the keyword
// table is configurable calibration, not a contract.
func (s *Scheduler) EstimateComplexity(t *task.Task) task.Complexity {
	c := task.Complexity{}

	// file_scope: 0-3 from how many files the task touches.
	files := len(t.FilesToCreate) + len(t.FilesToModify)
	switch {
	case files > 8:
		c.FileScope = 3
	case files > 4:
		c.FileScope = 2
	case files > 1:
		c.FileScope = 1
	}

	// cross_file_deps: 0-3 from declared edges plus distinct directories.
	dirs := make(map[string]struct{})
	for _, f := range t.Files() {
		idx := strings.LastIndex(f, "/")
		if idx > 0 {
			dirs[f[:idx]] = struct{}{}
		}
	}
	cross := float64(len(t.Dependencies))*0.5 + float64(len(dirs))*0.5
	c.CrossFileDeps = cross

	// semantic_complexity: 0-3 from the keyword table.
	text := strings.ToLower(t.Title + " " + strings.Join(t.AcceptanceCriteria, " "))
	for keyword, weight := range s.config.SemanticKeywords {
		if strings.Contains(text, keyword) {
			c.Semantic += weight
		}
	}

	// requirement_uncertainty: 0-2 from vague phrasing.
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(text, marker) {
			c.Uncertainty += 0.5
		}
	}

	// token_penalty: 0-2 from sheer criteria volume.
	c.TokenPenalty = float64(len(t.AcceptanceCriteria)) * 0.25

	return c.Normalize()
}
