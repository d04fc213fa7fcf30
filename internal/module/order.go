package module

import "sort"

// dependencyOrder sorts ids so each comes after the ids it depends on.
// Edges to ids outside deps are ignored. Ids that sit on or behind a cycle
// are returned in cyclic, sorted, and left out of order.
func dependencyOrder(deps map[string][]string) (order, cyclic []string) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id, ds := range deps {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		seen := make(map[string]bool, len(ds))
		for _, d := range ds {
			if _, ok := deps[d]; !ok || seen[d] {
				continue
			}
			seen[d] = true
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	for id, n := range indegree {
		if n > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return order, cyclic
}
