package scheduler

import "github.com/steroids-run/steroids/internal/store"

// unionFind is a minimal disjoint-set used to compute connected components
// over the undirected projection of the dependency graph.
type unionFind struct{ parent map[string]string }

func newUnionFind(ids []string) *unionFind {
	u := &unionFind{parent: make(map[string]string, len(ids))}
	for _, id := range ids {
		u.parent[id] = id
	}
	return u
}

func (u *unionFind) find(id string) string {
	for u.parent[id] != id {
		u.parent[id] = u.parent[u.parent[id]]
		id = u.parent[id]
	}
	return id
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// Workstream is one connected component of the section dependency graph,
// internally ordered topologically.
type Workstream struct {
	Sections []store.Section
}

// Partition computes workstreams: connected components over the undirected
// projection of the dependency graph, each internally topologically
// ordered, emitted sorted by the minimum internal position.
func (g *Graph) Partition() []Workstream {
	ids := make([]string, 0, len(g.sections))
	for id := range g.sections {
		ids = append(ids, id)
	}
	uf := newUnionFind(ids)
	for id, deps := range g.dependsOn {
		for _, dep := range deps {
			uf.union(id, dep)
		}
	}

	groups := map[string][]string{}
	for _, id := range ids {
		root := uf.find(id)
		groups[root] = append(groups[root], id)
	}

	var workstreams []Workstream
	for _, members := range groups {
		memberSet := make(map[string]bool, len(members))
		for _, id := range members {
			memberSet[id] = true
		}
		ordered := g.TopologicalOrder(func(s store.Section) bool { return memberSet[s.ID] })
		workstreams = append(workstreams, Workstream{Sections: ordered})
	}

	minPosition := func(w Workstream) int {
		min := w.Sections[0].Position
		for _, s := range w.Sections[1:] {
			if s.Position < min {
				min = s.Position
			}
		}
		return min
	}
	for i := 1; i < len(workstreams); i++ {
		for j := i; j > 0 && minPosition(workstreams[j-1]) > minPosition(workstreams[j]); j-- {
			workstreams[j-1], workstreams[j] = workstreams[j], workstreams[j-1]
		}
	}
	return workstreams
}
