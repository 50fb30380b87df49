// Package scheduler builds the section dependency graph, validates it is
// acyclic, and computes deterministic topological orders and workstream
// partitions over it. No graph library is used: the pack carries none, and
// three-color DFS plus union-find are each small enough that a dependency
// would not simplify them (see DESIGN.md).
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steroids-run/steroids/internal/store"
)

// CycleError reports a dependency cycle, naming the path that closes it.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("scheduler: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// color marks used by the three-color DFS cycle check.
type color int

const (
	white color = iota
	gray
	black
)

// Graph is the section dependency DAG: sections keyed by id, plus the
// directed edge set sectionID -> []dependsOnSectionID.
type Graph struct {
	sections   map[string]store.Section
	dependsOn  map[string][]string
	dependents map[string][]string
	order      []string // insertion order, for deterministic iteration fallback
}

// NewGraph builds a Graph from sections and their declared dependencies,
// validating it is acyclic.
func NewGraph(sections []store.Section, deps []store.SectionDependency) (*Graph, error) {
	g := &Graph{
		sections:   make(map[string]store.Section, len(sections)),
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, s := range sections {
		g.sections[s.ID] = s
		g.order = append(g.order, s.ID)
	}
	for _, d := range deps {
		g.dependsOn[d.SectionID] = append(g.dependsOn[d.SectionID], d.DependsOnSectionID)
		g.dependents[d.DependsOnSectionID] = append(g.dependents[d.DependsOnSectionID], d.SectionID)
	}
	// keep edge lists deterministic regardless of input order
	for k := range g.dependsOn {
		sort.Strings(g.dependsOn[k])
	}

	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// findCycle runs a three-color DFS over every node, returning the first
// back-edge path it discovers, or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	colors := make(map[string]color, len(g.sections))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.dependsOn[id] {
			switch colors[dep] {
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			case gray:
				// back edge: dep is an ancestor on the current DFS stack
				cycleStart := 0
				for i, s := range stack {
					if s == dep {
						cycleStart = i
						break
					}
				}
				cycle := append(append([]string{}, stack[cycleStart:]...), dep)
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	ids := make([]string, 0, len(g.sections))
	for id := range g.sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if colors[id] == white {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// sortKey orders sections by (priority asc, position asc, id asc), per
// spec.md §3.
func sortKey(a, b store.Section) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}
