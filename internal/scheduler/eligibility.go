package scheduler

import (
	"sort"

	"github.com/steroids-run/steroids/internal/store"
)

func isTerminalTaskStatus(status string) bool {
	switch status {
	case store.TaskStatusCompleted, store.TaskStatusSkipped:
		return true
	}
	return false
}

// SectionEligible reports whether every section depID depends on has all
// its tasks in a terminal state (completed or skipped). A dependency with
// no tasks yet is vacuously satisfied.
func (g *Graph) SectionEligible(sectionID string, tasksBySection map[string][]store.Task) bool {
	for _, dep := range g.dependsOn[sectionID] {
		for _, task := range tasksBySection[dep] {
			if !isTerminalTaskStatus(task.Status) {
				return false
			}
		}
	}
	return true
}

// candidate pairs a task with its owning section for tie-break ordering.
type candidate struct {
	section store.Section
	task    store.Task
}

func (c candidate) less(o candidate) bool {
	if c.section.Priority != o.section.Priority {
		return c.section.Priority < o.section.Priority
	}
	if c.section.Position != o.section.Position {
		return c.section.Position < o.section.Position
	}
	if c.task.Priority != o.task.Priority {
		return c.task.Priority < o.task.Priority
	}
	if c.task.Position != o.task.Position {
		return c.task.Position < o.task.Position
	}
	return c.task.ID < o.task.ID
}

// NextTask returns at most one pickable task: its section must be eligible
// (see SectionEligible) and not skipped, the task itself must be pending or
// in_progress, and it must not already be locked. Ties break by
// (section-priority, section-position, task-priority, task-position, task-id).
func (g *Graph) NextTask(tasksBySection map[string][]store.Task, lockedTaskIDs map[int64]bool) *store.Task {
	var candidates []candidate
	for sectionID, section := range g.sections {
		if section.Skipped {
			continue
		}
		if !g.SectionEligible(sectionID, tasksBySection) {
			continue
		}
		for _, task := range tasksBySection[sectionID] {
			if task.Status != store.TaskStatusPending && task.Status != store.TaskStatusInProgress {
				continue
			}
			if lockedTaskIDs[task.ID] {
				continue
			}
			candidates = append(candidates, candidate{section: section, task: task})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].less(candidates[j]) })
	picked := candidates[0].task
	return &picked
}
