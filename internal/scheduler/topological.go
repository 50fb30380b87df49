package scheduler

import (
	"sort"

	"github.com/steroids-run/steroids/internal/store"
)

// TopologicalOrder returns sections matching filter in dependency order,
// deterministic tie-break (priority, position, id) among simultaneously
// ready sections. Dependencies on sections excluded by filter are ignored,
// since the caller has already decided those are out of scope for this
// pass.
func (g *Graph) TopologicalOrder(filter func(store.Section) bool) []store.Section {
	included := map[string]bool{}
	for id, s := range g.sections {
		if filter == nil || filter(s) {
			included[id] = true
		}
	}

	inDegree := make(map[string]int, len(included))
	for id := range included {
		count := 0
		for _, dep := range g.dependsOn[id] {
			if included[dep] {
				count++
			}
		}
		inDegree[id] = count
	}

	var result []store.Section
	remaining := len(included)
	for remaining > 0 {
		var ready []store.Section
		for id, deg := range inDegree {
			if deg == 0 {
				ready = append(ready, g.sections[id])
			}
		}
		if len(ready) == 0 {
			// Should be unreachable: NewGraph already rejected cycles.
			break
		}
		sort.Slice(ready, func(i, j int) bool { return sortKey(ready[i], ready[j]) })
		next := ready[0]
		result = append(result, next)
		delete(inDegree, next.ID)
		remaining--
		for _, dependentID := range g.dependents[next.ID] {
			if _, ok := inDegree[dependentID]; ok {
				inDegree[dependentID]--
			}
		}
	}
	return result
}
