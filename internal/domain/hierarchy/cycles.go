package hierarchy

import "sort"

// DetectCircularInheritance returns the sorted ids of every role that takes
// part in an inheritance cycle, or nil for an acyclic graph.
//
// It computes strongly connected components (Tarjan); a role is cyclic when
// its component has more than one member or it inherits itself.
func (r *Resolver) DetectCircularInheritance() []string {
	t := tarjan{
		graph:   r.parents,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for _, id := range r.roleOrder {
		if _, visited := t.index[id]; !visited {
			t.connect(id)
		}
	}

	var cyclic []string
	for _, scc := range t.components {
		if len(scc) > 1 {
			cyclic = append(cyclic, scc...)
			continue
		}
		id := scc[0]
		for _, parent := range r.parents[id] {
			if parent == id {
				cyclic = append(cyclic, id)
				break
			}
		}
	}
	sort.Strings(cyclic)
	return cyclic
}

type tarjan struct {
	graph      map[string][]string
	next       int
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.next
	t.lowlink[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph[v] {
		if _, visited := t.index[w]; !visited {
			t.connect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var scc []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, scc)
}
